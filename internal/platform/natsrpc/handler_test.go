package natsrpc

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/buildbox/internal/build"
	"github.com/dontdude/buildbox/internal/domain"
)

type fakeBuilder struct {
	got      domain.Request
	deadline time.Time
	ctxErr   error
	res      build.Result
	err      error
}

func (f *fakeBuilder) Build(ctx context.Context, req domain.Request) (build.Result, error) {
	f.got = req
	f.deadline, _ = ctx.Deadline()
	f.ctxErr = ctx.Err()
	return f.res, f.err
}

func decodeReply(t *testing.T, data []byte) BuildReply {
	t.Helper()
	var reply BuildReply
	require.NoError(t, json.Unmarshal(data, &reply))
	return reply
}

func TestHandleSuccess(t *testing.T) {
	b := &fakeBuilder{res: build.Result{JobID: "j1", Artifact: domain.Artifact{
		Name: "out.elf", ContentType: domain.DefaultContentType, Data: []byte{0, 1, 2, 255},
	}}}
	req, err := json.Marshal(BuildRequest{Toolchain: "cpp", Files: []domain.File{{Name: "main.cpp", Content: []byte("int main(){}")}}})
	require.NoError(t, err)

	reply := decodeReply(t, NewHandler(b).Handle(context.Background(), req))

	assert.True(t, reply.OK)
	assert.Equal(t, "j1", reply.JobID)
	assert.Equal(t, []byte{0, 1, 2, 255}, reply.Artifact)
	assert.Equal(t, "out.elf", reply.Name)
	assert.Nil(t, reply.Error)
	assert.Equal(t, "int main(){}", string(b.got.Files[0].Content))
}

func TestHandleHonoursRequesterDeadline(t *testing.T) {
	deadline := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	b := &fakeBuilder{res: build.Result{JobID: "j1"}}
	req, err := json.Marshal(BuildRequest{Toolchain: "cpp", DeadlineMs: deadline.UnixMilli()})
	require.NoError(t, err)

	NewHandler(b).Handle(context.Background(), req)

	assert.True(t, deadline.Equal(b.deadline), "got %v", b.deadline)
	assert.NoError(t, b.ctxErr)
}

func TestHandleExpiredDeadlineCancelsBuild(t *testing.T) {
	b := &fakeBuilder{res: build.Result{JobID: "j1"}}
	req, err := json.Marshal(BuildRequest{Toolchain: "cpp", DeadlineMs: time.Now().Add(-time.Second).UnixMilli()})
	require.NoError(t, err)

	NewHandler(b).Handle(context.Background(), req)

	assert.ErrorIs(t, b.ctxErr, context.DeadlineExceeded)
}

func TestHandleWithoutDeadline(t *testing.T) {
	b := &fakeBuilder{res: build.Result{JobID: "j1"}}

	NewHandler(b).Handle(context.Background(), []byte(`{"toolchain":"cpp"}`))

	assert.True(t, b.deadline.IsZero())
	assert.NoError(t, b.ctxErr)
}

func TestHandleFailure(t *testing.T) {
	e := domain.Errorf(domain.KindExecutionFailed, "toolchain exited with code 1")
	e.ExitCode, e.Stderr = 1, "boom"
	b := &fakeBuilder{res: build.Result{JobID: "j1"}, err: e}

	reply := decodeReply(t, NewHandler(b).Handle(context.Background(), []byte(`{"toolchain":"cpp","files":[{"name":"a.c","content":"eA=="}]}`)))

	assert.False(t, reply.OK)
	assert.Empty(t, reply.Artifact)
	require.NotNil(t, reply.Error)
	assert.Equal(t, domain.KindExecutionFailed, reply.Error.Kind)
	assert.Equal(t, "boom", reply.Error.Stderr)
	assert.Equal(t, "x", string(b.got.Files[0].Content))
}

func TestHandleMalformedRequest(t *testing.T) {
	b := &fakeBuilder{}

	reply := decodeReply(t, NewHandler(b).Handle(context.Background(), []byte(`{not json`)))

	assert.False(t, reply.OK)
	require.NotNil(t, reply.Error)
	assert.Equal(t, domain.KindInvalidInput, reply.Error.Kind)
	assert.Empty(t, b.got.Toolchain, "builder must not run")
}

// TestRoundTrip runs against a real server when NATS_URL is set.
func TestRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	nc, err := Connect(url, "buildbox-test")
	require.NoError(t, err)
	defer nc.Close()

	subject := "build.request.test." + time.Now().Format("150405.000000")
	b := &fakeBuilder{res: build.Result{JobID: "j1", Artifact: domain.Artifact{Name: "out.elf", Data: []byte("elf")}}}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- NewHandler(b).Serve(ctx, nc, subject, DefaultQueue) }()

	client := NewClient(nc, subject)
	var reply BuildReply
	require.Eventually(t, func() bool {
		reqCtx, reqCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer reqCancel()
		reply, err = client.Build(reqCtx, BuildRequest{Toolchain: "cpp", Files: []domain.File{{Name: "a.c", Content: []byte("x")}}})
		return err == nil
	}, 5*time.Second, 100*time.Millisecond)

	assert.True(t, reply.OK)
	assert.Equal(t, "elf", string(reply.Artifact))

	cancel()
	require.NoError(t, <-served)
}
