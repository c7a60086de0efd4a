package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dar-k-dev/p-progress/internal/dispatcher"
	"github.com/dar-k-dev/p-progress/internal/httputil"
)

var clickAction string

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List the agent's notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newControlClient()
		if err != nil {
			return err
		}
		return c.list(cmd.Context(), cmd.OutOrStdout())
	},
}

var clickCmd = &cobra.Command{
	Use:   "click <id>",
	Short: "Click a notification, optionally on one of its actions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newControlClient()
		if err != nil {
			return err
		}
		return c.click(cmd.Context(), args[0], clickAction)
	},
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss a notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newControlClient()
		if err != nil {
			return err
		}
		return c.dismiss(cmd.Context(), args[0])
	},
}

func init() {
	clickCmd.Flags().StringVar(&clickAction, "action", "", "action button to press (e.g. update, later)")
	notificationsCmd.AddCommand(clickCmd)
	notificationsCmd.AddCommand(dismissCmd)
	rootCmd.AddCommand(notificationsCmd)
}

// controlClient talks to a running agent's control API.
type controlClient struct {
	base   string
	client *http.Client
}

func newControlClient() (*controlClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.ControlAddr == "" {
		return nil, fmt.Errorf("control_addr is not set")
	}
	return &controlClient{
		base:   "http://" + cfg.ControlAddr,
		client: &http.Client{Timeout: 35 * time.Second},
	}, nil
}

func (c *controlClient) do(ctx context.Context, method, path string) ([]byte, error) {
	resp, err := httputil.Do(ctx, c.client, method, c.base+path, nil, nil, httputil.NoRetry())
	if err != nil {
		return nil, fmt.Errorf("%w (is the agent running?)", err)
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func (c *controlClient) list(ctx context.Context, w io.Writer) error {
	data, err := c.do(ctx, http.MethodGet, "/notifications")
	if err != nil {
		return err
	}
	var shown []dispatcher.NotificationView
	if err := json.Unmarshal(data, &shown); err != nil {
		return fmt.Errorf("decode notifications: %w", err)
	}
	if len(shown) == 0 {
		fmt.Fprintln(w, "No notifications.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTAG\tTITLE\tACTIONS")
	for _, n := range shown {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", n.ID, n.Tag, n.Title, n.Actions)
	}
	return tw.Flush()
}

func (c *controlClient) click(ctx context.Context, id, action string) error {
	path := "/notifications/" + url.PathEscape(id) + "/click"
	if action != "" {
		path += "?action=" + url.QueryEscape(action)
	}
	_, err := c.do(ctx, http.MethodPost, path)
	return err
}

func (c *controlClient) dismiss(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/close")
	return err
}
