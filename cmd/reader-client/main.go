// main package for the reader-client, a small operator CLI for the
// text-reader gateway: create a job, upload its document, edit the
// pronunciation dictionary, and poll for the synthesized audio.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Flag names and descriptions.
const (
	flagGateway = "gateway"
	flagOwner   = "owner"
	flagFile    = "file"
	flagJob     = "job"
	flagDict    = "dict"
	flagOutput  = "output"
	flagWait    = "wait"

	flagGatewayDesc = "Base URL of the text-reader gateway"
	flagOwnerDesc   = "Owner identity to act as"
	flagFileDesc    = "Text file to upload as a new job"
	flagJobDesc     = "Job id to inspect or edit"
	flagDictDesc    = "Pronunciation dictionary as a JSON object (phrase to alias)"
	flagOutputDesc  = "Write downloaded audio to this path"
	flagWaitDesc    = "Poll until the job reaches a terminal state"
)

const (
	requestTimeout = 30 * time.Second
	pollInterval   = 3 * time.Second
	ownerHeader    = "X-Owner"
)

var (
	errOwnerRequired = errors.New("--owner is required")
	errNothingToDo   = errors.New("one of --file, --dict or --job is required")
	errJobRequired   = errors.New("--job is required for this operation")
	errJobFailed     = errors.New("job failed")
)

type appFlags struct {
	gateway string
	owner   string
	file    string
	job     string
	dict    string
	output  string
	wait    bool
}

type client struct {
	baseURL    string
	owner      string
	httpClient *http.Client
}

type jobView struct {
	Job struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		Filename     string `json:"filename"`
		AudioKey     string `json:"audio_key"`
		ErrorMessage string `json:"error_message"`
	} `json:"job"`
	DownloadURL string `json:"download_url"`
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	if flags.owner == "" {
		return errOwnerRequired
	}

	cli := &client{
		baseURL:    flags.gateway,
		owner:      flags.owner,
		httpClient: &http.Client{Timeout: requestTimeout},
	}

	switch {
	case flags.file != "":
		return handleCreate(cli, flags)
	case flags.dict != "":
		return handleDictionary(cli, flags)
	case flags.job != "":
		return handleStatus(cli, flags)
	default:
		flag.Usage()

		return errNothingToDo
	}
}

func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.gateway, flagGateway, "http://127.0.0.1:9090", flagGatewayDesc)
	flag.StringVar(&flags.owner, flagOwner, "", flagOwnerDesc)
	flag.StringVar(&flags.file, flagFile, "", flagFileDesc)
	flag.StringVar(&flags.job, flagJob, "", flagJobDesc)
	flag.StringVar(&flags.dict, flagDict, "", flagDictDesc)
	flag.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flag.BoolVar(&flags.wait, flagWait, false, flagWaitDesc)
	flag.Parse()

	return flags
}

// handleCreate registers a job, uploads the document, and optionally waits
// for the result.
func handleCreate(cli *client, flags appFlags) error {
	document, err := os.ReadFile(flags.file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", flags.file, err)
	}

	jobID, uploadURL, err := cli.createJob(flags.file)
	if err != nil {
		return err
	}

	fmt.Printf("Created job: %s\n", jobID)

	err = cli.upload(uploadURL, document)
	if err != nil {
		return err
	}

	fmt.Println("Document uploaded; synthesis submission is asynchronous.")

	if flags.wait {
		flags.job = jobID

		return handleStatus(cli, flags)
	}

	return nil
}

// handleDictionary replaces the job's pronunciation dictionary.
func handleDictionary(cli *client, flags appFlags) error {
	if flags.job == "" {
		return errJobRequired
	}

	var dict map[string]string

	err := json.Unmarshal([]byte(flags.dict), &dict)
	if err != nil {
		return fmt.Errorf("failed to parse --dict: %w", err)
	}

	err = cli.saveDictionary(flags.job, dict)
	if err != nil {
		return err
	}

	fmt.Printf("Dictionary saved for job %s (%d entries)\n", flags.job, len(dict))

	return nil
}

// handleStatus prints the job state, optionally polling until terminal and
// downloading the audio.
func handleStatus(cli *client, flags appFlags) error {
	for {
		view, err := cli.getJob(flags.job)
		if err != nil {
			return err
		}

		fmt.Printf("Job %s: %s\n", view.Job.ID, view.Job.Status)

		terminal := view.Job.Status == "COMPLETED" || view.Job.Status == "FAILED"
		if !terminal && flags.wait {
			time.Sleep(pollInterval)

			continue
		}

		if view.Job.Status == "FAILED" {
			return fmt.Errorf("%w: %s", errJobFailed, view.Job.ErrorMessage)
		}

		if view.Job.Status == "COMPLETED" && flags.output != "" && view.DownloadURL != "" {
			return cli.download(view.DownloadURL, flags.output)
		}

		return nil
	}
}

func (c *client) createJob(filename string) (jobID, uploadURL string, err error) {
	payload, err := json.Marshal(map[string]string{"filename": filename})
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal create request: %w", err)
	}

	resp, err := c.do(http.MethodPost, "/v1/jobs", payload)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", "", readError("create job", resp)
	}

	var created struct {
		JobID     string `json:"job_id"`
		UploadURL string `json:"upload_url"`
	}

	err = json.NewDecoder(resp.Body).Decode(&created)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode create response: %w", err)
	}

	return created.JobID, created.UploadURL, nil
}

func (c *client) upload(uploadURL string, document []byte) error {
	resp, err := c.do(http.MethodPut, uploadURL, document)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return readError("upload document", resp)
	}

	return nil
}

func (c *client) saveDictionary(jobID string, dict map[string]string) error {
	payload, err := json.Marshal(dict)
	if err != nil {
		return fmt.Errorf("failed to marshal dictionary: %w", err)
	}

	resp, err := c.do(http.MethodPut, "/v1/jobs/"+c.owner+"/"+jobID+"/dictionary", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return readError("save dictionary", resp)
	}

	return nil
}

func (c *client) getJob(jobID string) (*jobView, error) {
	resp, err := c.do(http.MethodGet, "/v1/jobs/"+c.owner+"/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError("get job", resp)
	}

	var view jobView

	err = json.NewDecoder(resp.Body).Decode(&view)
	if err != nil {
		return nil, fmt.Errorf("failed to decode job response: %w", err)
	}

	return &view, nil
}

func (c *client) download(downloadURL, outputPath string) error {
	resp, err := c.do(http.MethodGet, downloadURL, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError("download audio", resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read audio body: %w", err)
	}

	err = os.WriteFile(outputPath, audio, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}

	fmt.Printf("Wrote audio: %s (%d bytes)\n", outputPath, len(audio))

	return nil
}

func (c *client) do(method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}

	req.Header.Set(ownerHeader, c.owner)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to gateway failed: %w", err)
	}

	return resp, nil
}

func readError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	return fmt.Errorf("%s failed: %s: %s", operation, resp.Status, bytes.TrimSpace(body))
}
