package app

import (
	"fmt"
	"strings"
	"time"

	"corthex/internal/chain"
	"corthex/internal/config"
	"corthex/internal/router"
	"corthex/internal/trading"
)

type StartupSummary struct {
	Env            string
	HTTPAddr       string
	Providers      []ProviderLine
	DefaultModel   string
	Classifiers    []string
	Departments    []DepartmentLine
	PollInterval   time.Duration
	BatchExpiry    time.Duration
	VerifyInterval time.Duration
	Mode           trading.ExecutionMode
	AutoExecute    bool
	MinConfidence  float64
	CacheBackend   string
}

type ProviderLine struct {
	ID        string
	Available bool
}

type DepartmentLine struct {
	ID          string
	Head        string
	Specialists int
	Default     bool
}

func buildSummary(cfg *config.Config, models *router.Router, roster chain.Roster, topts trading.Options) *StartupSummary {
	s := &StartupSummary{
		Env:            cfg.App.Env,
		HTTPAddr:       cfg.App.HTTPAddr,
		DefaultModel:   models.DefaultModel(),
		Classifiers:    cfg.AI.ClassifierModels,
		PollInterval:   cfg.Batch.PollInterval,
		BatchExpiry:    cfg.Batch.Expiry(),
		VerifyInterval: cfg.Learning.VerifyInterval,
		Mode:           topts.Mode,
		AutoExecute:    topts.AutoExecute,
		MinConfidence:  topts.MinConfidence,
		CacheBackend:   cfg.Market.CacheBackend,
	}
	for _, id := range models.ProviderIDs() {
		s.Providers = append(s.Providers, ProviderLine{ID: id, Available: models.Available(id)})
	}
	snap := roster.Snapshot()
	for _, d := range snap.Departments() {
		s.Departments = append(s.Departments, DepartmentLine{
			ID:          d.ID,
			Head:        d.Head,
			Specialists: len(d.Specialists),
			Default:     d.ID == snap.DefaultID,
		})
	}
	if _, ok := snap.Department(snap.DefaultID); !ok {
		def := snap.Default()
		s.Departments = append(s.Departments, DepartmentLine{ID: def.ID, Head: def.Head, Default: true})
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 72))
	fmt.Println("  CORTHEX STARTUP SUMMARY")
	fmt.Println(strings.Repeat("=", 72))

	fmt.Printf("[app] env=%s http=%s\n\n", s.Env, s.HTTPAddr)

	fmt.Println("[models]")
	if len(s.Providers) == 0 {
		fmt.Println("  (no providers; chains complete through the default handler)")
	}
	for _, p := range s.Providers {
		state := "ready"
		if !p.Available {
			state = "disabled"
		}
		fmt.Printf("  - %-12s %s\n", p.ID, state)
	}
	fmt.Printf("  default model: %s\n", orDash(s.DefaultModel))
	fmt.Printf("  classifiers:   %s\n\n", formatList(s.Classifiers))

	fmt.Println("[departments]")
	if len(s.Departments) == 0 {
		fmt.Println("  (none)")
	}
	for _, d := range s.Departments {
		mark := ""
		if d.Default {
			mark = " (default)"
		}
		fmt.Printf("  - %-12s head=%s specialists=%d%s\n", d.ID, d.Head, d.Specialists, mark)
	}
	fmt.Println()

	fmt.Println("[batch]")
	fmt.Printf("  poll interval: %s  expiry: %s\n\n", s.PollInterval, s.BatchExpiry)

	fmt.Println("[learning / trading]")
	fmt.Printf("  verify every:  %s\n", s.VerifyInterval)
	fmt.Printf("  mode=%s auto_execute=%v min_confidence=%.0f\n", s.Mode, s.AutoExecute, s.MinConfidence)
	fmt.Printf("  market cache:  %s\n", s.CacheBackend)
	fmt.Println(strings.Repeat("=", 72))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
