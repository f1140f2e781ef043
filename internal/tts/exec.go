package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// execSynth shells out to an external synthesis process. The process
// receives one JSON request on stdin and emits newline-delimited JSON
// chunk objects on stdout until the final chunk.
type execSynth struct {
	cmd         []string
	sampleRate  int
	sampleWidth int
	channels    int
	device      string
}

type execRequest struct {
	Text          string  `json:"text"`
	ReferencePath string  `json:"reference_path"`
	Exaggeration  float64 `json:"exaggeration"`
	CFGWeight     float64 `json:"cfg_weight"`
	Temperature   float64 `json:"temperature"`
	SampleRate    int     `json:"sample_rate"`
	SampleWidth   int     `json:"sample_width"`
	Channels      int     `json:"channels"`
	Device        string  `json:"device"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

func NewExecSynth(command, device string, sampleRate, sampleWidth, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	return &execSynth{
		cmd:         args,
		sampleRate:  sampleRate,
		sampleWidth: sampleWidth,
		channels:    channels,
		device:      device,
	}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)

		reqPayload := execRequest{
			Text:          req.Text,
			ReferencePath: req.ReferencePath,
			Exaggeration:  req.Params.Exaggeration,
			CFGWeight:     req.Params.CFGWeight,
			Temperature:   req.Params.Temperature,
			SampleRate:    e.sampleRate,
			SampleWidth:   e.sampleWidth,
			Channels:      e.channels,
			Device:        e.device,
		}
		data, err := json.Marshal(reqPayload)
		if err != nil {
			errs <- err
			return
		}

		base := e.cmd[0]
		args := append([]string{}, e.cmd[1:]...)
		cmd := exec.CommandContext(ctx, base, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- err
			return
		}

		if _, err := stdin.Write(data); err != nil {
			errs <- err
			cmd.Wait()
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		sequence := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- err
				cmd.Wait()
				return
			}
			if resp.Error != "" {
				errs <- fmt.Errorf("engine: %s", resp.Error)
				cmd.Wait()
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				errs <- err
				cmd.Wait()
				return
			}
			chunk := SynthChunk{
				Sequence:   sequence,
				SampleRate: e.sampleRate,
				Channels:   e.channels,
				PCM:        pcm,
				Final:      resp.Final,
			}
			select {
			case schunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				cmd.Wait()
				return
			}
			sequence++
		}
		if err := cmd.Wait(); err != nil {
			errs <- err
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			errs <- scanErr
		}
	}()
	return schunks, errs
}
