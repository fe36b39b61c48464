// Command batchctl is a small operator CLI for the batchd API: submit a YAML
// job spec, then watch, cancel, retry, export or delete jobs.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"batchd/internal/domain"
	"batchd/internal/jobspec"
)

const usage = `usage: batchctl <command> [flags]

commands:
  submit   submit a YAML job spec (-f spec.yaml [-start])
  get      print one job (-id)
  list     list jobs ([-status] [-kind] [-limit] [-offset])
  watch    poll a job until it reaches a terminal status (-id)
  start    start a pending job (-id)
  cancel   request cancellation (-id)
  retry    re-run failed operations of a terminal job (-id)
  delete   delete a terminal job (-id)
  export   download the full job record (-id [-o file])

The API address comes from -server or BATCHD_SERVER (default http://localhost:8080).
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var (
		serverFlag = fs.String("server", "", "batchd API base URL")
		idFlag     = fs.String("id", "", "job ID")
		fileFlag   = fs.String("f", "", "path to YAML job spec")
		startFlag  = fs.Bool("start", false, "start the job immediately after submit")
		outFlag    = fs.String("o", "", "output file (export)")
		statusFlag = fs.String("status", "", "filter by job status")
		kindFlag   = fs.String("kind", "", "filter by job kind")
		limitFlag  = fs.Int("limit", 0, "maximum jobs to list")
		offsetFlag = fs.Int("offset", 0, "jobs to skip")
	)
	_ = fs.Parse(os.Args[2:])

	cli := &client{
		baseURL: serverURL(*serverFlag),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch cmd {
	case "submit":
		err = cli.submit(*fileFlag, *startFlag)
	case "get":
		err = cli.printJob(*idFlag)
	case "list":
		err = cli.list(*statusFlag, *kindFlag, *limitFlag, *offsetFlag)
	case "watch":
		err = cli.watch(*idFlag)
	case "start", "cancel", "retry":
		err = cli.transition(cmd, *idFlag)
	case "delete":
		err = cli.delete(*idFlag)
	case "export":
		err = cli.export(*idFlag, *outFlag)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		exitWithError(err)
	}
}

func serverURL(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("BATCHD_SERVER")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8080"
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "batchctl: %v\n", err)
	os.Exit(1)
}

type client struct {
	baseURL string
	http    *http.Client
}

// apiError mirrors the error body the API produces.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *client) do(method, path string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (%s)", apiErr.Message, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) submit(specPath string, start bool) error {
	if specPath == "" {
		return errors.New("-f is required")
	}
	f, err := os.Open(specPath)
	if err != nil {
		return err
	}
	defer f.Close()

	spec, err := jobspec.ParseYAML(f)
	if err != nil {
		return err
	}

	payload := struct {
		*jobspec.Spec
		Start bool `json:"start,omitempty"`
	}{spec, start}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var job domain.Job
	if err := c.do(http.MethodPost, "/v1/jobs", bytes.NewReader(body), &job); err != nil {
		return err
	}
	fmt.Printf("job %s created (%s)\n", job.ID, job.Status)
	return nil
}

func (c *client) getJob(id string) (*domain.Job, error) {
	if id == "" {
		return nil, errors.New("-id is required")
	}
	var job domain.Job
	if err := c.do(http.MethodGet, "/v1/jobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *client) printJob(id string) error {
	job, err := c.getJob(id)
	if err != nil {
		return err
	}
	return printJSON(job)
}

func (c *client) list(status, kind string, limit, offset int) error {
	q := make([]string, 0, 4)
	if status != "" {
		q = append(q, "status="+status)
	}
	if kind != "" {
		q = append(q, "kind="+kind)
	}
	if limit > 0 {
		q = append(q, fmt.Sprintf("limit=%d", limit))
	}
	if offset > 0 {
		q = append(q, fmt.Sprintf("offset=%d", offset))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + strings.Join(q, "&")
	}

	var resp struct {
		Jobs []*domain.Job `json:"jobs"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	for _, job := range resp.Jobs {
		fmt.Printf("%s  %-16s  %-24s  %3d%%  %s\n",
			job.ID, job.Status, job.Kind, job.Progress.Percent, job.Name)
	}
	return nil
}

func (c *client) watch(id string) error {
	for {
		job, err := c.getJob(id)
		if err != nil {
			return err
		}
		p := job.Progress
		fmt.Printf("%s  %d/%d done, %d failed, %d skipped (%d%%)\n",
			job.Status, p.Completed, p.Total, p.Failed, p.Skipped, p.Percent)
		if job.Status.Terminal() {
			return nil
		}
		time.Sleep(time.Second)
	}
}

func (c *client) transition(action, id string) error {
	if id == "" {
		return errors.New("-id is required")
	}
	var job domain.Job
	if err := c.do(http.MethodPost, "/v1/jobs/"+id+"/"+action, nil, &job); err != nil {
		return err
	}
	fmt.Printf("job %s is now %s\n", job.ID, job.Status)
	return nil
}

func (c *client) delete(id string) error {
	if id == "" {
		return errors.New("-id is required")
	}
	if err := c.do(http.MethodDelete, "/v1/jobs/"+id, nil, nil); err != nil {
		return err
	}
	fmt.Printf("job %s deleted\n", id)
	return nil
}

func (c *client) export(id, outPath string) error {
	if id == "" {
		return errors.New("-id is required")
	}
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/v1/jobs/"+id+"/export", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("export: HTTP %d", resp.StatusCode)
	}

	out := os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	_, err = io.Copy(out, resp.Body)
	return err
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
