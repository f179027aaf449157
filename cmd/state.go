package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const defaultConfigFileName = "config.yaml"

// globalFlags contains the values of the flags that apply to every
// sub-command.
type globalFlags struct {
	configFilePath string
	noColor        bool
	logOutput      string
	logFormat      string
	logCategories  string
	verbose        bool
}

// globalState holds everything a command touches outside of its own flags,
// so tests can swap the filesystem, the environment and the console.
type globalState struct {
	ctx context.Context

	fs      afero.Fs
	getwd   func() (string, error)
	args    []string
	envVars map[string]string

	defaultFlags, flags globalFlags

	outMutex       *sync.Mutex
	stdOut, stdErr *consoleWriter

	logger         *logrus.Logger
	fallbackLogger logrus.FieldLogger
}

func newGlobalState(ctx context.Context) *globalState {
	isDumbTerm := os.Getenv("TERM") == "dumb"
	stdoutTTY := !isDumbTerm && (isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	stderrTTY := !isDumbTerm && (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))
	outMutex := &sync.Mutex{}
	stdOut := &consoleWriter{colorable.NewColorableStdout(), stdoutTTY, outMutex}
	stdErr := &consoleWriter{colorable.NewColorableStderr(), stderrTTY, outMutex}

	envVars := buildEnvMap(os.Environ())
	_, noColorsSet := envVars["NO_COLOR"]
	logger := &logrus.Logger{
		Out: stdErr,
		Formatter: &logrus.TextFormatter{
			ForceColors:   stderrTTY,
			DisableColors: !stderrTTY || noColorsSet || envVars["CDPCORE_NO_COLOR"] != "",
		},
		Hooks: make(logrus.LevelHooks),
		Level: logrus.InfoLevel,
	}

	confDir, err := os.UserConfigDir()
	if err != nil {
		logger.WithError(err).Warn("could not get config directory")
		confDir = ".config"
	}

	defaultFlags := getDefaultFlags(confDir)

	fallbackLogger := &logrus.Logger{
		Out:       stdErr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}

	return &globalState{
		ctx:            ctx,
		fs:             afero.NewOsFs(),
		getwd:          os.Getwd,
		args:           append(make([]string, 0, len(os.Args)), os.Args...),
		envVars:        envVars,
		defaultFlags:   defaultFlags,
		flags:          getFlags(defaultFlags, envVars),
		outMutex:       outMutex,
		stdOut:         stdOut,
		stdErr:         stdErr,
		logger:         logger,
		fallbackLogger: fallbackLogger,
	}
}

func getDefaultFlags(homeFolder string) globalFlags {
	return globalFlags{
		configFilePath: filepath.Join(homeFolder, "cdpcore", defaultConfigFileName),
		logOutput:      "stderr",
	}
}

func getFlags(defaultFlags globalFlags, env map[string]string) globalFlags {
	result := defaultFlags

	if val, ok := env["CDPCORE_CONFIG"]; ok {
		result.configFilePath = val
	}
	if val, ok := env["CDPCORE_LOG_OUTPUT"]; ok {
		result.logOutput = val
	}
	if val, ok := env["CDPCORE_LOG_FORMAT"]; ok {
		result.logFormat = val
	}
	if val, ok := env["CDPCORE_LOG_CATEGORIES"]; ok {
		result.logCategories = val
	}
	if env["CDPCORE_NO_COLOR"] != "" {
		result.noColor = true
	}
	// https://no-color.org/: even an empty value disables colors.
	if _, ok := env["NO_COLOR"]; ok {
		result.noColor = true
	}
	return result
}

func buildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

// consoleWriter serializes writes to a terminal shared by the logger and the
// event printer.
type consoleWriter struct {
	Writer io.Writer
	IsTTY  bool
	Mutex  *sync.Mutex
}

func (w *consoleWriter) Write(p []byte) (n int, err error) {
	w.Mutex.Lock()
	defer w.Mutex.Unlock()
	return w.Writer.Write(p)
}
