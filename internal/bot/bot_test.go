package bot

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cordrest/internal/entity"
	"cordrest/internal/interaction"
	"cordrest/internal/models"
	"cordrest/internal/rest"
	"cordrest/internal/version"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVersion = version.Info{Version: "v0.1.0", InstanceID: "test"}

type fixture struct {
	cfg  *models.Config
	priv ed25519.PrivateKey

	mu       sync.Mutex
	requests []*http.Request
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	f := &fixture{priv: priv}
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Clone(context.Background()))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"42","username":"cordrest"}`)
	}))
	t.Cleanup(api.Close)

	cfg := models.NewDefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.REST.BaseURL = api.URL
	cfg.REST.Token = "secret"
	cfg.REST.Buckets.GCInterval = 0
	cfg.Interactions.Enabled = true
	cfg.Interactions.PublicKey = hex.EncodeToString(pub)
	cfg.Interactions.ShutdownTimeout = time.Second
	cfg.Metrics.Enabled = false
	f.cfg = cfg
	return f
}

func (f *fixture) newBot(t *testing.T, opts ...Option) *Bot {
	t.Helper()
	b, err := New(f.cfg, append([]Option{WithVersion(testVersion)}, opts...)...)
	require.NoError(t, err)
	return b
}

func (f *fixture) post(t *testing.T, b *Bot, body string) *http.Response {
	t.Helper()
	const ts = "1718000000"
	req, err := http.NewRequest(http.MethodPost, "http://"+b.Addr().String()+"/interactions", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(ed25519.Sign(f.priv, []byte(ts+body))))
	req.Header.Set("X-Signature-Timestamp", ts)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBot_Lifecycle(t *testing.T) {
	f := newFixture(t)
	b := f.newBot(t)
	ctx := context.Background()

	var conflict *StateConflictError
	require.ErrorAs(t, b.Close(ctx), &conflict)
	assert.Equal(t, StateIdle, conflict.State)
	require.ErrorAs(t, b.Join(ctx), &conflict)

	var order []string
	b.AddStartupCallback(func(ctx context.Context, b *Bot) error {
		order = append(order, "startup")
		return nil
	})
	b.AddShutdownCallback(func(ctx context.Context, b *Bot) error {
		order = append(order, "shutdown")
		return nil
	})

	require.NoError(t, b.Start(ctx))
	assert.Equal(t, StateRunning, b.State())
	require.NotNil(t, b.Addr())

	require.ErrorAs(t, b.Start(ctx), &conflict)
	assert.Equal(t, "cannot start a bot that is running", conflict.Error())

	joined := make(chan error, 1)
	go func() { joined <- b.Join(ctx) }()

	require.NoError(t, b.Close(ctx))
	assert.NoError(t, <-joined)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"startup", "shutdown"}, order)

	require.ErrorAs(t, b.Close(ctx), &conflict)
	assert.Equal(t, StateClosed, conflict.State)
	require.ErrorAs(t, b.Start(ctx), &conflict)

	_, err := b.Rest().FetchMyUser(ctx)
	assert.ErrorIs(t, err, rest.ErrClientClosed)
}

func TestBot_ServesInteractionsAndHealth(t *testing.T) {
	f := newFixture(t)
	b := f.newBot(t)
	require.NoError(t, b.SetListener(entity.InteractionApplicationCommand,
		interaction.DirectListener(func(ctx context.Context, i *entity.Interaction) (*interaction.Callback, error) {
			return interaction.Message(rest.MessageCreate{Content: "hi"}), nil
		}), false))

	require.NoError(t, b.Start(context.Background()))
	defer b.Close(context.Background())

	resp := f.post(t, b, `{"type":1}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":1}`, string(body))

	resp = f.post(t, b, `{"id":"1","application_id":"2","type":2,"token":"tok","data":{"id":"3","name":"hello"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":4,"data":{"content":"hi"}}`, string(body))

	health, err := http.Get("http://" + b.Addr().String() + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestBot_StartupCallbackUsesRestClient(t *testing.T) {
	f := newFixture(t)
	b := f.newBot(t)

	var me *entity.User
	b.AddStartupCallback(func(ctx context.Context, b *Bot) error {
		var err error
		me, err = b.Rest().FetchMyUser(ctx)
		return err
	})

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Close(context.Background()))

	require.NotNil(t, me)
	assert.Equal(t, "cordrest", me.Username)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.requests, 1)
	assert.Equal(t, "Bot secret", f.requests[0].Header.Get("Authorization"))
	assert.Equal(t, testVersion.UserAgent(), f.requests[0].Header.Get("User-Agent"))
}

func TestBot_StartupCallbackFailureClosesBot(t *testing.T) {
	f := newFixture(t)
	b := f.newBot(t)

	boom := errors.New("boom")
	shutdownRan := false
	b.AddStartupCallback(func(context.Context, *Bot) error { return boom })
	b.AddShutdownCallback(func(context.Context, *Bot) error {
		shutdownRan = true
		return nil
	})

	err := b.Start(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateClosed, b.State())
	assert.False(t, shutdownRan)
	assert.NoError(t, b.Join(context.Background()))

	var conflict *StateConflictError
	assert.ErrorAs(t, b.Close(context.Background()), &conflict)
}

func TestBot_ShutdownCallbackErrorsAreReturned(t *testing.T) {
	f := newFixture(t)
	b := f.newBot(t)

	boom := errors.New("flush failed")
	second := false
	b.AddShutdownCallback(func(context.Context, *Bot) error { return boom })
	b.AddShutdownCallback(func(context.Context, *Bot) error {
		second = true
		return nil
	})

	require.NoError(t, b.Start(context.Background()))
	err := b.Close(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, second)
	assert.Equal(t, StateClosed, b.State())
}

func TestBot_RunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	b := f.newBot(t)

	started := make(chan struct{})
	b.AddStartupCallback(func(context.Context, *Bot) error {
		close(started)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBot_InteractionsDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Interactions.Enabled = false
	b := f.newBot(t)

	assert.Nil(t, b.Dispatcher())
	var cfgErr *interaction.ConfigurationError
	assert.ErrorAs(t, b.SetListener(entity.InteractionApplicationCommand,
		interaction.DirectListener(func(context.Context, *entity.Interaction) (*interaction.Callback, error) {
			return nil, nil
		}), false), &cfgErr)

	require.NoError(t, b.Start(context.Background()))
	defer b.Close(context.Background())

	resp := f.post(t, b, `{"type":1}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *models.Config)
	}{
		{"unsupported global backend", func(cfg *models.Config) { cfg.GlobalLimit.Backend = "memcached" }},
		{"invalid public key", func(cfg *models.Config) { cfg.Interactions.PublicKey = "zz" }},
		{"too many retries", func(cfg *models.Config) { cfg.REST.MaxRetries = 9 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f.cfg)
			_, err := New(f.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNew_RedisBackend(t *testing.T) {
	f := newFixture(t)
	f.cfg.GlobalLimit.Backend = models.GlobalBackendRedis

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	b := f.newBot(t, WithRedisClient(client))

	require.NoError(t, b.Start(context.Background()))
	assert.NoError(t, b.Close(context.Background()))
}

func TestBot_RedisPrefix(t *testing.T) {
	f := newFixture(t)
	b := f.newBot(t)

	prefix := b.redisPrefix()
	assert.True(t, strings.HasPrefix(prefix, "cordrest:"))
	assert.True(t, strings.HasSuffix(prefix, ":"))
	assert.NotContains(t, prefix, "secret")
	assert.Equal(t, prefix, b.redisPrefix())

	f.cfg.REST.Token = "other"
	assert.NotEqual(t, prefix, b.redisPrefix())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "State(42)", State(42).String())
}
