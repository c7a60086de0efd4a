package dispatcher

import (
	"context"
	"errors"
	"net/url"
	"testing"
)

func TestBrowserWindows(t *testing.T) {
	var launched []string
	b := &BrowserWindows{run: func(u string) error {
		launched = append(launched, u)
		return nil
	}}
	ctx := context.Background()

	w1, err := b.Open(ctx, origin+"/a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w2, _ := b.Open(ctx, origin+"/b")

	list, _ := b.List(ctx)
	if len(list) != 2 || list[0].ID != w2.ID {
		t.Fatalf("List = %+v, want most recent first", list)
	}

	if err := b.Focus(ctx, w1.ID); err != nil {
		t.Fatalf("Focus: %v", err)
	}
	list, _ = b.List(ctx)
	if list[0].ID != w1.ID {
		t.Fatalf("focused window should move to front: %+v", list)
	}

	if err := b.Navigate(ctx, w1.ID, origin+"/c"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	list, _ = b.List(ctx)
	if list[0].URL != origin+"/c" {
		t.Fatalf("URL not updated: %+v", list[0])
	}

	if err := b.Focus(ctx, "missing"); err == nil {
		t.Fatal("Focus on unknown window should fail")
	}
	want := []string{origin + "/a", origin + "/b", origin + "/a", origin + "/c"}
	if len(launched) != len(want) {
		t.Fatalf("launched = %v", launched)
	}
}

func TestBrowserWindowsOpenFailure(t *testing.T) {
	b := &BrowserWindows{run: func(string) error { return errors.New("no browser") }}
	if _, err := b.Open(context.Background(), origin); err == nil {
		t.Fatal("expected error")
	}
	if list, _ := b.List(context.Background()); len(list) != 0 {
		t.Fatalf("failed open should not be tracked: %+v", list)
	}
}

func TestResolve(t *testing.T) {
	o, _ := url.Parse(origin)
	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{"", origin + "/", false},
		{"/goals/1", origin + "/goals/1", false},
		{origin + "/x?y=1", origin + "/x?y=1", false},
		{"https://other.example.com/", "", true},
	}
	for _, tt := range tests {
		got, err := resolve(o, tt.ref)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("resolve(%q) = %q, %v", tt.ref, got, err)
		}
	}
}
