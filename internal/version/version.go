// Package version хранит сведения о сборке stockhold.
package version

import (
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/stockhold/internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build: версия, commit и дата сборки.
type Build struct {
	Version string
	Commit  string
	Date    string
}

// Current возвращает сведения о текущей сборке. Если commit не передан через
// -ldflags, он берётся из vcs-метаданных go build.
func Current() Build {
	return resolve(Build{Version: version, Commit: commit, Date: date}, debug.ReadBuildInfo)
}

func resolve(b Build, read func() (*debug.BuildInfo, bool)) Build {
	if b.Commit != "unknown" && b.Commit != "" {
		return b
	}
	info, ok := read()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Commit = s.Value
		case "vcs.time":
			if b.Date == "unknown" || b.Date == "" {
				b.Date = s.Value
			}
		}
	}
	return b
}

// GetVersion возвращает версию для /healthz.
func GetVersion() string { return Current().Version }

// Fields: сведения о сборке для стартового лога.
func Fields() log.Fields {
	b := Current()
	return log.Fields{"version": b.Version, "commit": b.Commit, "build_date": b.Date}
}

func String() string {
	b := Current()
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}
