// Command buildctl submits build jobs to a buildbox server or worker and
// inspects their history.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dontdude/buildbox/internal/domain"
	"github.com/dontdude/buildbox/internal/platform/natsrpc"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
	stateCol  = color.New(color.FgCyan)
)

// errBuildFailed means the report has already been printed.
var errBuildFailed = errors.New("build failed")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(ctx, os.Args[2:])
	case "status":
		err = runStatus(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if errors.Is(err, errBuildFailed) {
		os.Exit(1)
	}
	if err != nil {
		failColor.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  buildctl build [-server URL | -nats URL] [-toolchain cpp] [-o FILE] [-watch] FILE...
  buildctl status [-server URL] JOB_ID`)
}

type buildFlags struct {
	server    string
	natsURL   string
	subject   string
	toolchain string
	output    string
	watch     bool
	timeout   time.Duration
}

func runBuild(ctx context.Context, args []string) error {
	var f buildFlags
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	fs.StringVar(&f.server, "server", envOr("BUILDBOX_SERVER", "http://localhost:3000"), "build server URL")
	fs.StringVar(&f.natsURL, "nats", "", "send the job to a NATS worker at this URL instead of the HTTP server")
	fs.StringVar(&f.subject, "subject", natsrpc.DefaultSubject, "NATS subject workers listen on")
	fs.StringVar(&f.toolchain, "toolchain", "cpp", "toolchain key")
	fs.StringVar(&f.output, "o", "", "where to write the artifact (default: its name in the current directory)")
	fs.BoolVar(&f.watch, "watch", false, "stream job events while building (HTTP only)")
	fs.DurationVar(&f.timeout, "timeout", 5*time.Minute, "give up after this long")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("no files given")
	}

	files, err := readFiles(fs.Args())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if f.natsURL != "" {
		return buildOverNATS(ctx, f, files)
	}
	return buildOverHTTP(ctx, f, files)
}

// readFiles keeps relative paths so the server sees the same layout; anything
// outside the current directory is sent by base name.
func readFiles(paths []string) ([]domain.File, error) {
	files := make([]domain.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(p)
		if filepath.IsLocal(p) {
			name = filepath.ToSlash(filepath.Clean(p))
		}
		files = append(files, domain.File{Name: name, Content: data})
	}
	return files, nil
}

func buildOverHTTP(ctx context.Context, f buildFlags, files []domain.File) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, file := range files {
		w, err := mw.CreateFormFile("files", file.Name)
		if err != nil {
			return err
		}
		if _, err := w.Write(file.Content); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	endpoint := strings.TrimRight(f.server, "/") + "/build/" + url.PathEscape(f.toolchain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	jobID := uuid.NewString()
	req.Header.Set("X-Job-Id", jobID)
	if f.watch {
		stopWatch, err := watch(ctx, f.server, jobID)
		if err != nil {
			dimColor.Fprintln(os.Stderr, "not watching events:", err)
		} else {
			defer stopWatch()
		}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var rep domain.Report
		if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
			return fmt.Errorf("server returned %s", resp.Status)
		}
		printReport(rep)
		return errBuildFailed
	}

	name := "artifact"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = filepath.Base(params["filename"])
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return writeArtifact(f.output, name, data, resp.Header.Get("X-Job-Id"), time.Since(start))
}

func buildOverNATS(ctx context.Context, f buildFlags, files []domain.File) error {
	nc, err := natsrpc.Connect(f.natsURL, "buildctl")
	if err != nil {
		return err
	}
	defer nc.Close()

	start := time.Now()
	reply, err := natsrpc.NewClient(nc, f.subject).Build(ctx, natsrpc.BuildRequest{
		ID:        uuid.NewString(),
		Toolchain: f.toolchain,
		Files:     files,
	})
	if err != nil {
		return err
	}
	if !reply.OK {
		if reply.Error == nil {
			return errors.New("worker returned neither an artifact nor an error")
		}
		printReport(*reply.Error)
		return errBuildFailed
	}
	return writeArtifact(f.output, filepath.Base(reply.Name), reply.Artifact, reply.JobID, time.Since(start))
}

func writeArtifact(output, name string, data []byte, jobID string, took time.Duration) error {
	if output == "" {
		output = name
	}
	if err := os.WriteFile(output, data, 0o755); err != nil {
		return err
	}
	okColor.Print("BUILD OK ")
	fmt.Printf("%s (%d bytes) in %v\n", output, len(data), took.Round(time.Millisecond))
	dimColor.Printf("job %s\n", jobID)
	return nil
}

func printReport(rep domain.Report) {
	failColor.Fprintf(os.Stderr, "BUILD FAILED %s", rep.Kind)
	fmt.Fprintf(os.Stderr, ": %s\n", rep.Message)
	if rep.ExitCode >= 0 && rep.Kind == domain.KindExecutionFailed {
		dimColor.Fprintf(os.Stderr, "exit code %d\n", rep.ExitCode)
	}
	if rep.Stdout != "" {
		dimColor.Fprintln(os.Stderr, "--- stdout")
		fmt.Fprint(os.Stderr, rep.Stdout)
	}
	if rep.Stderr != "" {
		dimColor.Fprintln(os.Stderr, "--- stderr")
		fmt.Fprint(os.Stderr, rep.Stderr)
	}
	if rep.Truncated {
		dimColor.Fprintln(os.Stderr, "(output truncated)")
	}
	dimColor.Fprintf(os.Stderr, "job %s after %dms\n", rep.JobID, rep.DurationMs)
}

// watch prints the job's events until the returned stop is called.
func watch(ctx context.Context, server, jobID string) (func(), error) {
	u, err := url.Parse(strings.TrimRight(server, "/") + "/api/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"job_id": {jobID}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev domain.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			stateCol.Fprintf(os.Stderr, "%-11s", ev.State)
			if ev.Kind != "" {
				fmt.Fprintf(os.Stderr, " %s", ev.Kind)
			}
			fmt.Fprintln(os.Stderr)
		}
	}()
	return func() {
		// Let the terminal event arrive before hanging up.
		select {
		case <-done:
		case <-time.After(200 * time.Millisecond):
		}
		conn.Close()
		<-done
	}, nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := fs.String("server", envOr("BUILDBOX_SERVER", "http://localhost:3000"), "build server URL")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("expected exactly one job id")
	}

	endpoint := strings.TrimRight(*server, "/") + "/api/jobs/" + url.PathEscape(fs.Arg(0))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var rec domain.JobRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return err
	}
	c := okColor
	if rec.State != domain.StateDone {
		c = failColor
	}
	c.Printf("%s ", rec.State)
	fmt.Printf("%s %s", rec.ID, rec.Toolchain)
	if rec.Kind != "" {
		fmt.Printf(" %s: %s", rec.Kind, rec.Message)
	}
	fmt.Println()
	dimColor.Printf("created %s, took %dms, artifact %d bytes\n", rec.CreatedAt.Format(time.RFC3339), rec.DurationMs, rec.ArtifactSize)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
