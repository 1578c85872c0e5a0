package token_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jarosser06/ratio-sub000/token"
)

func newSigner() *token.HMACSigner {
	return token.NewHMACSigner([]byte("test-secret"), "ratio-core-test")
}

func TestMintExecutionTokenCarriesCallerIdentity(t *testing.T) {
	signer := newSigner()
	callerToken, err := signer.Sign(token.Claims{
		Entity:           "user-1",
		AuthorizedGroups: []string{"engineers"},
		Home:             "/home/user-1",
	})
	require.NoError(t, err)

	// signer.Verify checks exp against the wall clock, so the minted token
	// must still be live now.
	fixed := time.Now().UTC().Truncate(time.Second)
	svc := token.NewService(signer, func() time.Time { return fixed })

	execToken, err := svc.MintExecutionToken(callerToken)
	require.NoError(t, err)

	claims, err := signer.Verify(execToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Entity)
	require.Equal(t, []string{"engineers"}, claims.AuthorizedGroups)
	require.Equal(t, "execution", claims.CustomClaims["token_type"])
	require.Equal(t, fixed.Add(15*time.Minute), claims.ExpiresAt.Time.UTC())
}

func TestCheckAndRefreshReturnsSameTokenWhenFresh(t *testing.T) {
	signer := newSigner()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := token.NewService(signer, func() time.Time { return fixed })

	callerToken, err := signer.Sign(token.Claims{Entity: "user-1"})
	require.NoError(t, err)
	execToken, err := svc.MintExecutionToken(callerToken)
	require.NoError(t, err)

	refreshed, err := svc.CheckAndRefresh(execToken)
	require.NoError(t, err)
	require.Equal(t, execToken, refreshed)
}

func TestCheckAndRefreshRefreshesNearExpiry(t *testing.T) {
	signer := newSigner()
	// signer.Verify checks exp against the wall clock, so the refreshed
	// token must still be live now.
	mintTime := time.Now().UTC().Truncate(time.Second)
	svc := token.NewService(signer, func() time.Time { return mintTime })

	callerToken, err := signer.Sign(token.Claims{Entity: "user-1"})
	require.NoError(t, err)
	execToken, err := svc.MintExecutionToken(callerToken)
	require.NoError(t, err)

	later := mintTime.Add(11 * time.Minute) // remaining lifetime 4m, below the 5m threshold
	svc2 := token.NewService(signer, func() time.Time { return later })
	refreshed, err := svc2.CheckAndRefresh(execToken)
	require.NoError(t, err)
	require.NotEqual(t, execToken, refreshed)

	claims, err := signer.Verify(refreshed)
	require.NoError(t, err)
	require.Equal(t, later.Add(15*time.Minute), claims.ExpiresAt.Time.UTC())
}

func TestCheckAndRefreshRejectsStaleToken(t *testing.T) {
	signer := newSigner()
	mintTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := token.NewService(signer, func() time.Time { return mintTime })

	callerToken, err := signer.Sign(token.Claims{Entity: "user-1"})
	require.NoError(t, err)
	execToken, err := svc.MintExecutionToken(callerToken)
	require.NoError(t, err)

	muchLater := mintTime.Add(15*time.Minute + 2*time.Hour)
	svc2 := token.NewService(signer, func() time.Time { return muchLater })
	_, err = svc2.CheckAndRefresh(execToken)
	require.Error(t, err)
}

func TestCheckAndRefreshStillRefreshesWithinStaleGrace(t *testing.T) {
	signer := newSigner()
	mintTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := token.NewService(signer, func() time.Time { return mintTime })

	callerToken, err := signer.Sign(token.Claims{Entity: "user-1"})
	require.NoError(t, err)
	execToken, err := svc.MintExecutionToken(callerToken)
	require.NoError(t, err)

	shortlyExpired := mintTime.Add(15*time.Minute + 30*time.Minute)
	svc2 := token.NewService(signer, func() time.Time { return shortlyExpired })
	refreshed, err := svc2.CheckAndRefresh(execToken)
	require.NoError(t, err)
	require.NotEqual(t, execToken, refreshed)
}
