package objectstore

import (
	"testing"

	"github.com/streamspace/sandboxd/internal/apperr"
)

func TestURI_String(t *testing.T) {
	u := URI{Bucket: "sandboxd-workspaces", Key: "s1/output.txt"}
	want := "objstore://sandboxd-workspaces/s1/output.txt"
	if got := u.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseURI_RoundTrip(t *testing.T) {
	u, err := ParseURI("objstore://sandboxd-workspaces/s1/a/b.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Bucket != "sandboxd-workspaces" || u.Key != "s1/a/b.txt" {
		t.Errorf("unexpected parse result: %+v", u)
	}
	if u.String() != "objstore://sandboxd-workspaces/s1/a/b.txt" {
		t.Errorf("round trip mismatch: %q", u.String())
	}
}

func TestParseURI_RejectsWrongScheme(t *testing.T) {
	_, err := ParseURI("s3://bucket/key")
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected a VALIDATION_ERROR for a non-objstore scheme, got %v", err)
	}
}

func TestParseURI_RejectsMissingBucketOrKey(t *testing.T) {
	cases := []string{
		"objstore:///key-with-no-bucket",
		"objstore://bucket-with-no-key",
		"objstore://bucket/",
	}
	for _, raw := range cases {
		if _, err := ParseURI(raw); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("ParseURI(%q): expected a VALIDATION_ERROR, got %v", raw, err)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"NoSuchKey: the specified key does not exist", true},
		{"NotFound: object not found", true},
		{"404 not found", true},
		{"AccessDenied: insufficient permissions", false},
	}
	for _, c := range cases {
		if got := isNotFound(fakeErr(c.msg)); got != c.want {
			t.Errorf("isNotFound(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
