package docsrs_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syphar/crates.io/internal/docsrs"
)

func TestRebuild(t *testing.T) {
	t.Parallel()
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth = r.Method+" "+r.URL.Path, r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := docsrs.New(srv.Client(), srv.URL+"/", "tok", 0)
	require.NoError(t, c.Rebuild(context.Background(), "serde", "1.0.0"))
	assert.Equal(t, "POST /crate/serde/1.0.0/rebuild", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestRebuild_Statuses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status  int
		wantErr error
		ok      bool
	}{
		{status: http.StatusConflict, ok: true},
		{status: http.StatusNotFound, wantErr: docsrs.ErrCrateNotFound},
		{status: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			err := docsrs.New(srv.Client(), srv.URL, "tok", 0).Rebuild(context.Background(), "rand", "0.8.5")
			switch {
			case tc.ok:
				assert.NoError(t, err)
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
			default:
				assert.Error(t, err)
			}
		})
	}
}

func TestRebuild_NotConfigured(t *testing.T) {
	t.Parallel()
	err := docsrs.New(http.DefaultClient, "https://docs.rs", "", 1).Rebuild(context.Background(), "x", "1.0.0")
	assert.ErrorIs(t, err, docsrs.ErrNotConfigured)
}
