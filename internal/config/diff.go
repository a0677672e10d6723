package config

import (
	"reflect"
	"strings"

	logx "envwatch/pkg/logx"
)

// Section names used by Diff.
const (
	SectionLogging    = "logging"
	SectionStorage    = "storage"
	SectionReadings   = "readings"
	SectionScheduler  = "scheduler"
	SectionEngine     = "engine"
	SectionJobs       = "jobs"
	SectionClassifier = "classifier"
	SectionNotify     = "notify"
	SectionHTTP       = "http"
	SectionIngest     = "ingest"
)

// hotSections take effect without a restart.
var hotSections = map[string]bool{
	SectionLogging: true,
	SectionEngine:  true,
	SectionJobs:    true,
}

// Change lists the config sections that differ between two versions.
type Change struct {
	Sections []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// RestartRequired returns the changed sections that are only read at startup.
func (c Change) RestartRequired() []string {
	var out []string
	for _, s := range c.Sections {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	pairs := []struct {
		name     string
		old, new any
	}{
		{SectionLogging, oldCfg.Logging, newCfg.Logging},
		{SectionStorage, oldCfg.Storage, newCfg.Storage},
		{SectionReadings, oldCfg.Readings, newCfg.Readings},
		{SectionScheduler, oldCfg.Scheduler, newCfg.Scheduler},
		{SectionEngine, oldCfg.Engine, newCfg.Engine},
		{SectionJobs, oldCfg.Jobs, newCfg.Jobs},
		{SectionClassifier, oldCfg.Classifier, newCfg.Classifier},
		{SectionNotify, oldCfg.Notify, newCfg.Notify},
		{SectionHTTP, oldCfg.HTTP, newCfg.HTTP},
		{SectionIngest, oldCfg.Ingest, newCfg.Ingest},
	}
	var c Change
	for _, p := range pairs {
		if !reflect.DeepEqual(p.old, p.new) {
			c.Sections = append(c.Sections, p.name)
		}
	}
	return c
}

// SummaryFields returns safe structured attrs describing the new values of
// the changed sections. Secrets live in the environment and never appear.
func SummaryFields(c Change, cfg *Config) []logx.Field {
	if cfg == nil {
		return nil
	}
	out := []logx.Field{logx.String("sections", strings.Join(c.Sections, ","))}
	if c.Has(SectionLogging) {
		out = append(out,
			logx.String("logging.level", cfg.Logging.Level),
			logx.Bool("logging.console", cfg.Logging.Console),
			logx.Bool("logging.file_enabled", cfg.Logging.File.Enabled))
	}
	if c.Has(SectionEngine) {
		out = append(out,
			logx.Int("engine.workers", cfg.Engine.Workers),
			logx.String("engine.default_timeout", cfg.Engine.DefaultTimeout))
	}
	if c.Has(SectionJobs) {
		types := make([]string, 0, len(cfg.Jobs))
		for _, j := range cfg.Jobs {
			types = append(types, j.Type+"="+j.Schedule)
		}
		out = append(out, logx.String("jobs", strings.Join(types, ";")))
	}
	if c.Has(SectionNotify) {
		out = append(out,
			logx.Int("notify.webhooks", len(cfg.Notify.Webhooks)),
			logx.Bool("notify.telegram", cfg.Notify.Telegram != nil && cfg.Notify.Telegram.Enabled))
	}
	return out
}
