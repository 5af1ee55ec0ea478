package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"corthex/internal/config"
	"corthex/internal/logger"
)

// setupLogging points the process logger at stdout plus the configured file
// and opens the LLM transcript. The returned func closes both files.
func setupLogging(app config.AppConfig) (func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	logger.SetFormat(app.LogFormat)
	if f, err := openAppend(app.LogPath); err != nil {
		return closeAll, err
	} else if f != nil {
		files = append(files, f)
		mw := io.MultiWriter(os.Stdout, f)
		log.SetOutput(mw)
		logger.SetOutput(mw)
	} else {
		logger.SetOutput(os.Stdout)
	}

	logger.SetLLMWriter(nil)
	if f, err := openAppend(app.LLMLog); err != nil {
		return closeAll, err
	} else if f != nil {
		files = append(files, f)
		logger.SetLLMWriter(f)
	}
	logger.SetLevel(app.LogLevel)
	logger.EnableLLMPayloadDump(app.LLMDump)
	return closeAll, nil
}

func openAppend(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
