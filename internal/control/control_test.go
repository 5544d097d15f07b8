package control_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflowhq/coreflow/internal/control"
	"github.com/coreflowhq/coreflow/internal/jobqueue"
	"github.com/coreflowhq/coreflow/internal/platform/logger"
	"github.com/coreflowhq/coreflow/internal/queue"
	"github.com/coreflowhq/coreflow/internal/registry"
	"github.com/coreflowhq/coreflow/internal/runctx"
	"github.com/coreflowhq/coreflow/internal/store"
)

type stubHandler struct{ name string }

func (h stubHandler) Name() string                 { return h.name }
func (h stubHandler) Run(rc *runctx.Context) error { return nil }

func newSurface(t *testing.T) *control.Surface {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	reg := registry.New()
	require.NoError(t, reg.Register(stubHandler{name: "examples.echo"}))
	svc := queue.New(store.NewMemory(), reg, log, nil, nil)
	return control.New(svc)
}

func TestParseEnqueueArgs_RewritesKeyValueTokens(t *testing.T) {
	got, err := control.ParseEnqueueArgs([]string{`message="hi"`, `count:3`})
	require.NoError(t, err)
	assert.Equal(t, "hi", got["message"])
	assert.Equal(t, float64(3), got["count"])
}

func TestParseEnqueueArgs_ValueIsArbitraryJSON(t *testing.T) {
	got, err := control.ParseEnqueueArgs([]string{`path="/tmp/a b"`, `tags=["a","b"]`})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a b", got["path"])
	assert.Equal(t, []any{"a", "b"}, got["tags"])
}

func TestParseEnqueueArgs_SingleTokenJSONFallback(t *testing.T) {
	got, err := control.ParseEnqueueArgs([]string{`{"project": "acme", "n": 2}`})
	require.NoError(t, err)
	assert.Equal(t, "acme", got["project"])
	assert.Equal(t, float64(2), got["n"])
}

func TestParseEnqueueArgs_NoTokens(t *testing.T) {
	got, err := control.ParseEnqueueArgs(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseEnqueueArgs_Unparseable(t *testing.T) {
	_, err := control.ParseEnqueueArgs([]string{"not valid at all ??"})
	assert.Error(t, err)
}

func TestSurface_EnqueueAndListing(t *testing.T) {
	s := newSurface(t)
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "examples.echo", []string{`message="hello"`})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "hello", rec.Args["message"])

	out, err := s.Listing(ctx, nil)
	require.NoError(t, err)
	assert.Contains(t, out, rec.ID.String())
	assert.Contains(t, out, "examples.echo")
}

func TestSurface_PauseAndResume(t *testing.T) {
	s := newSurface(t)
	ctx := context.Background()

	msg, err := s.Pause(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, msg, "entering maintenance")

	msg, err = s.Pause(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, msg, "already")

	msg, err = s.Resume(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, msg, "leaving maintenance")
}

func TestSurface_RemoveByNameThenDetail(t *testing.T) {
	s := newSurface(t)
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "examples.echo", []string{`message="hi"`})
	require.NoError(t, err)

	removed, err := s.Remove(ctx, "examples.echo")
	require.NoError(t, err)
	assert.Equal(t, []jobqueue.ID{rec.ID}, removed)

	detail, err := s.Detail(ctx, rec.ID)
	require.NoError(t, err)
	assert.Contains(t, detail, `"state"`)
}

func TestSurface_Alive_NoDaemons(t *testing.T) {
	s := newSurface(t)
	out, err := s.Alive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "no daemon.\n", out)
}
