package verifier

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dar-k-dev/p-progress/internal/health"
	"github.com/dar-k-dev/p-progress/internal/version"
)

var marks = map[health.Status]string{
	health.Healthy:   "ok",
	health.Degraded:  "warn",
	health.Unhealthy: "FAIL",
	health.Unknown:   "?",
}

// Render writes the human-readable report.
func (r *Report) Render(w io.Writer) error {
	fmt.Fprintf(w, "Deployment: %s\n", r.BaseURL)
	fmt.Fprintf(w, "Checked:    %s\n\n", r.CheckedAt.UTC().Format("2006-01-02 15:04:05 MST"))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range r.Checks {
		fmt.Fprintf(tw, "  [%s]\t%s\t%s\n", marks[c.Status], c.Name, c.Message)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if m := r.Manifest; m != nil {
		fmt.Fprintf(w, "\nRelease %s (build %s)", m.Version, m.BuildHash)
		if m.Critical {
			fmt.Fprint(w, " critical")
		}
		fmt.Fprintf(w, ", rollout %d%% to %s\n", m.Rollout.Percentage, strings.Join(m.Rollout.Regions, ","))
		for _, change := range m.Changes {
			fmt.Fprintf(w, "  - %s\n", change)
		}
	}

	if r.Reference != "" {
		switch {
		case r.Manifest == nil:
			fmt.Fprintf(w, "\nVersion: cannot compare with %s, manifest unavailable\n", r.Reference)
		case r.VersionMatches():
			fmt.Fprintf(w, "\nVersion: match (%s)\n", r.Reference)
		default:
			fmt.Fprintf(w, "\nVersion: MISMATCH deployed %s is %s than expected %s\n",
				r.Manifest.Version, relation(r.Comparison), r.Reference)
		}
	}

	_, err := fmt.Fprintf(w, "\nOverall: %s\n", r.Overall)
	return err
}

func relation(o version.Ordering) string {
	if o == version.Less {
		return "older"
	}
	return "newer"
}
