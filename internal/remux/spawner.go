package remux

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/tresby/prismcast/internal/browser"
	"github.com/tresby/prismcast/internal/util"
)

// FFmpegPathEnvVar overrides auto-detection of the ffmpeg binary (see
// SpawnerConfig.binary). Takes precedence over config and PATH.
const FFmpegPathEnvVar = "PRISMCAST_FFMPEG_PATH"

// SpawnerConfig carries the process-level knobs a capture pipeline needs to
// stand up the two subprocess shapes prismcast spawns per stream.
type SpawnerConfig struct {
	BinaryPath         string
	AudioBitrate       string // e.g. "128k"
	FMP4FragDuration   float64
	FMP4MinFragSeconds float64
	StderrLogPath      string
}

// binary resolves the ffmpeg binary path: explicit config, then
// FFmpegPathEnvVar, then ./ffmpeg, then PATH.
func (c SpawnerConfig) binary() string {
	if c.BinaryPath != "" {
		return c.BinaryPath
	}
	if path, err := util.FindBinary("ffmpeg", FFmpegPathEnvVar); err == nil {
		return path
	}
	return "ffmpeg"
}

// Spawner implements browser.RemuxerSpawner by shelling out to ffmpeg with
// stdin/stdout piped directly into the calling stream: no intermediate
// files, matching the capture pipeline's use of CaptureStream as a live
// pipe.
type Spawner struct {
	cfg SpawnerConfig
}

func NewSpawner(cfg SpawnerConfig) *Spawner {
	return &Spawner{cfg: cfg}
}

// SpawnCopyToMPEGTS starts an ffmpeg process that copies both the video and
// audio streams verbatim into an MPEG-TS container, used by the MPEG-TS
// client path and by late-joining TS clients reading from a
// live fMP4 source.
func (s *Spawner) SpawnCopyToMPEGTS(ctx context.Context) (browser.RemuxerProcess, error) {
	cmd := NewCommandBuilder(s.cfg.binary()).
		HideBanner().
		Input("pipe:0").
		InputArgs("-fflags", "+genpts").
		VideoCodec("copy").
		AudioCodec("copy").
		MpegtsArgs().
		FlushPackets().
		StderrLogPath(s.cfg.StderrLogPath).
		Output("pipe:1").
		Build()

	return startPipedProcess(ctx, cmd)
}

// SpawnTranscodeAudioToFMP4 starts an ffmpeg process that copies the video
// stream and transcodes the audio track to AAC inside fragmented MP4, for
// sources whose captured MIME type isn't natively playable end to end.
func (s *Spawner) SpawnTranscodeAudioToFMP4(ctx context.Context) (browser.RemuxerProcess, error) {
	b := NewCommandBuilder(s.cfg.binary()).
		HideBanner().
		Input("pipe:0").
		VideoCodec("copy").
		AudioCodec("aac")

	if s.cfg.AudioBitrate != "" {
		b = b.AudioBitrate(s.cfg.AudioBitrate)
	}
	if s.cfg.FMP4MinFragSeconds > 0 {
		b = b.FMP4ArgsWithMinFrag(s.cfg.FMP4FragDuration, s.cfg.FMP4MinFragSeconds)
	} else {
		b = b.FMP4Args(s.cfg.FMP4FragDuration)
	}

	cmd := b.StderrLogPath(s.cfg.StderrLogPath).Output("pipe:1").Build()

	return startPipedProcess(ctx, cmd)
}

// pipedProcess adapts exec.Cmd to browser.RemuxerProcess. Command (in
// wrapper.go) is built around progress parsing and file/retry streaming; a
// subprocess wired stdin-to-stdout needs its pipes obtained before Start,
// which Command.Start doesn't do, so this wraps exec.Cmd directly while
// reusing CommandBuilder for argument construction.
type pipedProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func startPipedProcess(ctx context.Context, c *Command) (browser.RemuxerProcess, error) {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("remux: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("remux: stdout pipe: %w", err)
	}
	if c.stderrLogPath != "" {
		stderr, err := cmd.StderrPipe()
		if err == nil {
			done := make(chan struct{})
			go c.captureStderr(stderr, c.stderrLogPath, done)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("remux: start %s: %w", c.Binary, err)
	}

	return &pipedProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *pipedProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *pipedProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *pipedProcess) Wait() error           { return p.cmd.Wait() }

func (p *pipedProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
