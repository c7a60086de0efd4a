package store

// Keys shared between the agent and the CLIs.
const (
	KeyInstalledVersion = "client/installed-version"
	KeySubscription     = "push/subscription"
	KeyPermission       = "push/permission"
	PrefixPending       = "delivery/pending/"
	PrefixGoalAlert     = "reminders/goal/"
)

// InstalledVersion returns the recorded installed version, or fallback when
// none has been written yet.
func (s *Store) InstalledVersion(fallback string) (string, error) {
	var v string
	err := s.Get(KeyInstalledVersion, &v)
	if err == ErrNotFound || (err == nil && v == "") {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// SetInstalledVersion records the installed version.
func (s *Store) SetInstalledVersion(v string) error {
	return s.Put(KeyInstalledVersion, v)
}
