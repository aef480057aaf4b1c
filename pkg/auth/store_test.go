package auth

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), log.New(io.Discard, "", 0))
}

func TestStoreAndLoadTokens(t *testing.T) {
	s := testStore(t)
	tok := &oauth2.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(time.Hour),
	}
	if err := s.StoreTokens("o1", tok); err != nil {
		t.Fatalf("StoreTokens failed: %v", err)
	}

	got, err := s.LoadTokens("o1")
	if err != nil {
		t.Fatalf("LoadTokens failed: %v", err)
	}
	if got.AccessToken != "access-1" || got.RefreshToken != "refresh-1" {
		t.Errorf("loaded %+v", got)
	}

	if _, err := s.LoadTokens("o2"); err == nil {
		t.Error("loading tokens for an unknown owner succeeded")
	}
}

func TestGetValidToken_FreshTokenSkipsRefresh(t *testing.T) {
	s := testStore(t)
	tok := &oauth2.Token{
		AccessToken: "access-1",
		Expiry:      time.Now().Add(time.Hour),
	}
	if err := s.StoreTokens("o1", tok); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetValidToken(context.Background(), "o1")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if got.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}
}

func TestGetValidToken_NoStoredToken(t *testing.T) {
	s := testStore(t)
	_, err := s.GetValidToken(context.Background(), "o1")
	var expired *AuthExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected AuthExpiredError, got %v", err)
	}
	if expired.OwnerID != "o1" {
		t.Errorf("OwnerID = %q", expired.OwnerID)
	}
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	s := testStore(t)
	// Expired access token and nothing to refresh with.
	if err := s.StoreTokens("o1", &oauth2.Token{
		AccessToken: "stale",
		Expiry:      time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	_, err := s.GetValidToken(context.Background(), "o1")
	var expired *AuthExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected AuthExpiredError, got %v", err)
	}
}

func TestAutoSyncDisableMarker(t *testing.T) {
	s := testStore(t)
	if s.AutoSyncDisabled("o1") {
		t.Fatal("fresh owner reported disabled")
	}
	s.disableAutoSync("o1")
	if !s.AutoSyncDisabled("o1") {
		t.Fatal("disable marker not visible")
	}
	// Storing new tokens re-enables auto sync.
	if err := s.StoreTokens("o1", &oauth2.Token{
		AccessToken: "access-2",
		Expiry:      time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if s.AutoSyncDisabled("o1") {
		t.Error("disable marker survived StoreTokens")
	}
}

func TestTokensIsolatedPerOwner(t *testing.T) {
	s := testStore(t)
	if err := s.StoreTokens("o1", &oauth2.Token{AccessToken: "a1", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreTokens("o2", &oauth2.Token{AccessToken: "a2", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	t1, _ := s.LoadTokens("o1")
	t2, _ := s.LoadTokens("o2")
	if t1.AccessToken != "a1" || t2.AccessToken != "a2" {
		t.Errorf("tokens bled across owners: %q %q", t1.AccessToken, t2.AccessToken)
	}
}

func TestRefreshLockIsPerOwner(t *testing.T) {
	s := testStore(t)
	l1 := s.refreshLock("o1")
	l2 := s.refreshLock("o2")
	if l1 == l2 {
		t.Error("owners share a refresh lock")
	}
	if s.refreshLock("o1") != l1 {
		t.Error("refresh lock not stable per owner")
	}
}
