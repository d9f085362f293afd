package token

import (
	"path/filepath"
	"testing"
)

type fakeBlacklist struct{ banned map[string]bool }

func (f fakeBlacklist) Contains(id string) bool { return f.banned[id] }

func newCodec(t *testing.T) *Codec {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "key.json"))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := newCodec(t)

	blob, err := c.Encode("principal-1", "scope:read")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	result := c.Decode(blob)
	if !result.Success {
		t.Fatal("expected successful decode")
	}
	if len(result.Parts) != 2 || result.Parts[0] != "principal-1" || result.Parts[1] != "scope:read" {
		t.Fatalf("unexpected parts: %+v", result.Parts)
	}
	if result.DaysOld < 0 || result.DaysOld > 0.01 {
		t.Fatalf("expected a freshly minted token, got DaysOld=%v", result.DaysOld)
	}
}

func TestKeyPersistsAcrossCodecInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	first := New(path)
	blob, err := first.Encode("principal-1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	second := New(path)
	result := second.Decode(blob)
	if !result.Success {
		t.Fatal("expected a fresh Codec loading the same key file to decode the first codec's token")
	}
}

func TestDecodeMalformedBlobFails(t *testing.T) {
	c := newCodec(t)
	result := c.Decode("not-valid-base64-or-ciphertext!!")
	if result.Success {
		t.Fatal("expected decode failure for garbage input")
	}
	if result.ID != zeroID {
		t.Fatalf("expected zero-id sentinel, got %q", result.ID)
	}
}

func TestAuthorizeRejectsBlacklistedPart(t *testing.T) {
	c := newCodec(t)
	blob, _ := c.Encode("banned-user")
	result := c.Decode(blob)

	bl := fakeBlacklist{banned: map[string]bool{"banned-user": true}}
	if Authorize(result, bl) {
		t.Fatal("expected blacklisted principal to be denied")
	}
}

func TestAuthorizeAcceptsFreshUnbannedToken(t *testing.T) {
	c := newCodec(t)
	blob, _ := c.Encode("user-1")
	result := c.Decode(blob)

	bl := fakeBlacklist{banned: map[string]bool{}}
	if !Authorize(result, bl) {
		t.Fatal("expected a fresh, unbanned token to authorize")
	}
}

func TestAuthorizeRejectsExpiredToken(t *testing.T) {
	result := Result{Success: true, Parts: []string{"user-1"}, DaysOld: 400, ID: "11111111-1111-4111-8111-111111111111"}
	if Authorize(result, fakeBlacklist{}) {
		t.Fatal("expected a token older than 365 days to be rejected")
	}
}

func TestAuthorizeRejectsMalformedRequestID(t *testing.T) {
	result := Result{Success: true, Parts: []string{"user-1"}, DaysOld: 1, ID: "not-a-uuid"}
	if Authorize(result, fakeBlacklist{}) {
		t.Fatal("expected a non-UUIDv4 request id to be rejected")
	}
}
