package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors Config for the TOML overlay. Zero values leave the
// current setting alone; booleans are pointers so false can be expressed.
type fileConfig struct {
	Port           string   `toml:"port"`
	HealthGRPCPort string   `toml:"health_grpc_port"`
	DBPath         string   `toml:"db_path"`
	CORSOrigins    []string `toml:"cors_origins"`
	MetricsEnabled *bool    `toml:"metrics_enabled"`

	LLM struct {
		Provider           string        `toml:"provider"`
		Model              string        `toml:"model"`
		BaseURL            string        `toml:"base_url"`
		AWSRegion          string        `toml:"aws_region"`
		AWSProfile         string        `toml:"aws_profile"`
		ReplyTimeout       time.Duration `toml:"reply_timeout"`
		SummaryTimeout     time.Duration `toml:"summary_timeout"`
		ReplyTemperature   *float64      `toml:"reply_temperature"`
		SummaryTemperature *float64      `toml:"summary_temperature"`
		MaxTokens          int           `toml:"max_tokens"`
	} `toml:"llm"`

	Tutor struct {
		HistoryLimit      int            `toml:"history_limit"`
		IdleTimeout       *time.Duration `toml:"idle_timeout"`
		IdleSweepInterval time.Duration  `toml:"idle_sweep_interval"`
		Timezone          string         `toml:"timezone"`
		ReplyPromptPath   string         `toml:"reply_prompt"`
		SummaryPromptPath string         `toml:"summary_prompt"`
	} `toml:"tutor"`

	RateLimit struct {
		Requests int           `toml:"requests"`
		Window   time.Duration `toml:"window"`
	} `toml:"rate_limit"`

	ConversationLog struct {
		Enabled       *bool  `toml:"enabled"`
		Dir           string `toml:"dir"`
		GlobalEnabled *bool  `toml:"global_enabled"`
		GlobalPath    string `toml:"global_path"`
		QueueSize     int    `toml:"queue_size"`
	} `toml:"conversation_log"`
}

func (c *Config) applyFile(path string) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys: %v", undecoded)
	}

	setString(&c.Port, fc.Port)
	setString(&c.HealthGRPCPort, fc.HealthGRPCPort)
	setString(&c.DBPath, fc.DBPath)
	if len(fc.CORSOrigins) > 0 {
		c.CORSOrigins = fc.CORSOrigins
	}
	if fc.MetricsEnabled != nil {
		c.MetricsEnabled = *fc.MetricsEnabled
	}

	setString(&c.LLM.Provider, fc.LLM.Provider)
	setString(&c.LLM.Model, fc.LLM.Model)
	setString(&c.LLM.BaseURL, fc.LLM.BaseURL)
	setString(&c.LLM.AWSRegion, fc.LLM.AWSRegion)
	setString(&c.LLM.AWSProfile, fc.LLM.AWSProfile)
	setDuration(&c.LLM.ReplyTimeout, fc.LLM.ReplyTimeout)
	setDuration(&c.LLM.SummaryTimeout, fc.LLM.SummaryTimeout)
	if fc.LLM.ReplyTemperature != nil {
		c.LLM.ReplyTemperature = *fc.LLM.ReplyTemperature
	}
	if fc.LLM.SummaryTemperature != nil {
		c.LLM.SummaryTemperature = *fc.LLM.SummaryTemperature
	}
	setInt(&c.LLM.MaxTokens, fc.LLM.MaxTokens)

	setInt(&c.Tutor.HistoryLimit, fc.Tutor.HistoryLimit)
	if fc.Tutor.IdleTimeout != nil {
		c.Tutor.IdleTimeout = *fc.Tutor.IdleTimeout
	}
	setDuration(&c.Tutor.IdleSweepInterval, fc.Tutor.IdleSweepInterval)
	setString(&c.Tutor.Timezone, fc.Tutor.Timezone)
	setString(&c.Tutor.ReplyPromptPath, fc.Tutor.ReplyPromptPath)
	setString(&c.Tutor.SummaryPromptPath, fc.Tutor.SummaryPromptPath)

	setInt(&c.RateLimit.RequestsPerWindow, fc.RateLimit.Requests)
	setDuration(&c.RateLimit.WindowDuration, fc.RateLimit.Window)

	if fc.ConversationLog.Enabled != nil {
		c.ConversationLog.Enabled = *fc.ConversationLog.Enabled
	}
	setString(&c.ConversationLog.Dir, fc.ConversationLog.Dir)
	if fc.ConversationLog.GlobalEnabled != nil {
		c.ConversationLog.GlobalEnabled = *fc.ConversationLog.GlobalEnabled
	}
	setString(&c.ConversationLog.GlobalPath, fc.ConversationLog.GlobalPath)
	setInt(&c.ConversationLog.QueueSize, fc.ConversationLog.QueueSize)

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
