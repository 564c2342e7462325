// Package policy holds the tunable gatekeeper policy: allowed origins, bot
// signatures, request shape caps and rate-limit tiers.
package policy

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Scope selects what a rate-limit tier counts by.
type Scope string

const (
	ScopeIP        Scope = "ip"
	ScopeUserAgent Scope = "ua"
	ScopeGlobal    Scope = "global"
)

// Tier is one fixed-window counter: at most Limit admitted requests per
// Window for each distinct Scope key.
type Tier struct {
	Name    string        `yaml:"name"`
	Scope   Scope         `yaml:"scope"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
	Message string        `yaml:"message,omitempty"`
}

// Policy is the full gatekeeper policy.
type Policy struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	BotSignatures  []string `yaml:"bot_signatures"`
	MaxMessages    int      `yaml:"max_messages"`
	MaxUserChars   int      `yaml:"max_user_chars"`
	ChatTiers      []Tier   `yaml:"chat_tiers"`
	ViewTiers      []Tier   `yaml:"view_tiers"`

	origins map[string]struct{}
	bots    []*regexp.Regexp
}

// Default returns the built-in policy.
func Default() *Policy {
	p := &Policy{
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://localhost:3000",
		},
		BotSignatures: []string{
			"bot", "spider", "crawler", "scraper",
			"python", "curl", "wget", "postman", "insomnia",
			"headless", "phantomjs", "selenium", "puppeteer", "playwright",
			"go-http-client", "okhttp", "axios", "httpie", "libwww", `^java/`,
		},
		MaxMessages:  20,
		MaxUserChars: 500,
		ChatTiers: []Tier{
			{Name: "ip_minute", Scope: ScopeIP, Limit: 10, Window: time.Minute, Message: "Too many messages. Please wait a moment."},
			{Name: "ip_hour", Scope: ScopeIP, Limit: 50, Window: time.Hour, Message: "Hourly limit reached. Try again later."},
			{Name: "ua_minute", Scope: ScopeUserAgent, Limit: 30, Window: time.Minute},
			{Name: "global_minute", Scope: ScopeGlobal, Limit: 300, Window: time.Minute},
		},
		ViewTiers: []Tier{
			{Name: "view_ip_minute", Scope: ScopeIP, Limit: 1, Window: time.Minute},
			{Name: "view_ip_hour", Scope: ScopeIP, Limit: 10, Window: time.Hour},
			{Name: "view_ua_minute", Scope: ScopeUserAgent, Limit: 5, Window: time.Minute},
			{Name: "view_global_minute", Scope: ScopeGlobal, Limit: 100, Window: time.Minute},
		},
	}
	if err := p.compile(); err != nil {
		panic(fmt.Sprintf("policy: default policy invalid: %v", err))
	}
	return p
}

// Parse decodes a YAML policy. Fields absent from the document keep their
// default values.
func Parse(data []byte) (*Policy, error) {
	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads and parses a YAML policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

func (p *Policy) compile() error {
	if p.MaxMessages <= 0 {
		return errors.New("policy: max_messages must be positive")
	}
	if p.MaxUserChars <= 0 {
		return errors.New("policy: max_user_chars must be positive")
	}
	if err := validateTiers(p.ChatTiers); err != nil {
		return fmt.Errorf("policy: chat_tiers: %w", err)
	}
	if err := validateTiers(p.ViewTiers); err != nil {
		return fmt.Errorf("policy: view_tiers: %w", err)
	}

	p.origins = make(map[string]struct{}, len(p.AllowedOrigins))
	for _, o := range p.AllowedOrigins {
		p.origins[strings.TrimRight(o, "/")] = struct{}{}
	}

	p.bots = p.bots[:0]
	for _, sig := range p.BotSignatures {
		re, err := regexp.Compile("(?i)" + sig)
		if err != nil {
			return fmt.Errorf("policy: bot signature %q: %w", sig, err)
		}
		p.bots = append(p.bots, re)
	}
	return nil
}

func validateTiers(tiers []Tier) error {
	seen := make(map[string]bool, len(tiers))
	for _, t := range tiers {
		if t.Name == "" {
			return errors.New("tier without name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tier %q", t.Name)
		}
		seen[t.Name] = true
		switch t.Scope {
		case ScopeIP, ScopeUserAgent, ScopeGlobal:
		default:
			return fmt.Errorf("tier %q: unknown scope %q", t.Name, t.Scope)
		}
		if t.Limit <= 0 {
			return fmt.Errorf("tier %q: limit must be positive", t.Name)
		}
		if t.Window < time.Second {
			return fmt.Errorf("tier %q: window must be at least 1s", t.Name)
		}
	}
	return nil
}

// OriginAllowed reports whether origin is on the allow-list.
func (p *Policy) OriginAllowed(origin string) bool {
	_, ok := p.origins[strings.TrimRight(origin, "/")]
	return ok
}

// IsBot reports whether a user agent is empty or matches a bot signature.
func (p *Policy) IsBot(userAgent string) bool {
	if strings.TrimSpace(userAgent) == "" {
		return true
	}
	for _, re := range p.bots {
		if re.MatchString(userAgent) {
			return true
		}
	}
	return false
}

// Holder publishes the current policy to concurrent readers.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder returns a holder serving p.
func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	h.current.Store(p)
	return h
}

// Get returns the current policy. The result must not be modified.
func (h *Holder) Get() *Policy {
	return h.current.Load()
}

// Set replaces the current policy.
func (h *Holder) Set(p *Policy) {
	h.current.Store(p)
}
