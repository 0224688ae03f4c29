package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/possync/internal/config"
	"github.com/roach88/possync/internal/queue"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/remote/memstore"
	"github.com/roach88/possync/internal/store"
	"github.com/roach88/possync/internal/testutil"
)

// cliEnv is a database path, an in-memory remote and the root options
// that tie them together.
type cliEnv struct {
	t      *testing.T
	dir    string
	remote *memstore.Store
	opts   *RootOptions
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	t.Setenv("POSSYNC_REMOTE_URL", "http://remote.test")
	t.Setenv("POSSYNC_STATUS_ADDR", "")

	dir := t.TempDir()
	ms := memstore.New()
	return &cliEnv{
		t:      t,
		dir:    dir,
		remote: ms,
		opts: &RootOptions{
			Format:   "text",
			Database: filepath.Join(dir, "pos.db"),
			OpenRemote: func(context.Context, config.Remote) (remote.Store, func(), error) {
				return ms, func() {}, nil
			},
		},
	}
}

// exec runs cmd with args and returns what it wrote to stdout.
func (e *cliEnv) exec(cmd *cobra.Command, args ...string) (string, error) {
	e.t.Helper()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// saleFile writes a fixture sale as JSON and returns its path.
func (e *cliEnv) saleFile(id string) string {
	e.t.Helper()
	data, err := json.Marshal(testutil.Sale(id, "cashier-1", testutil.DefaultEpoch.Add(time.Minute)))
	require.NoError(e.t, err)
	path := filepath.Join(e.dir, id+".json")
	require.NoError(e.t, os.WriteFile(path, data, 0o644))
	return path
}

// recordSale runs the sale command for a fixture sale.
func (e *cliEnv) recordSale(id string) {
	e.t.Helper()
	_, err := e.exec(NewSaleCommand(e.opts), "--file", e.saleFile(id))
	require.NoError(e.t, err)
}

// queuedShadows counts shadows waiting in the local retry queue.
func (e *cliEnv) queuedShadows() int {
	e.t.Helper()
	st, err := store.Open(e.opts.Database)
	require.NoError(e.t, err)
	defer st.Close()
	n, err := st.CountPending(context.Background(), queue.CollectionShadows)
	require.NoError(e.t, err)
	return n
}

// decodeData unmarshals the data field of a JSON CLI response.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

// syncBuffer is a bytes.Buffer safe for the daemon's concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
