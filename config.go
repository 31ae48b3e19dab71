package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// PriceLabel is the embed field name holding the price.
	PriceLabel string `yaml:"price_label"`

	Vendors VendorTable `yaml:"vendors"`

	Browser    BrowserConfig    `yaml:"browser"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Resolver   ResolverOptions  `yaml:"resolver"`

	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
	Journal JournalConfig `yaml:"journal"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Redis   RedisConfig   `yaml:"redis"`
	Tracing TracingConfig `yaml:"tracing"`

	// TimeServers are queried for their Date header to correct the local
	// clock. Empty uses a built-in list; "off" disables the sync.
	TimeServers []string `yaml:"time_servers,omitempty"`
}

type BrowserConfig struct {
	Headless      bool          `yaml:"headless"`
	ProfilePath   string        `yaml:"profile_path"`
	ControlURL    string        `yaml:"control_url,omitempty"`
	UserAgents    []string      `yaml:"user_agents,omitempty"`
	WatchInterval time.Duration `yaml:"watch_interval"`
}

type HTTPConfig struct {
	// Addr is the listen address of the API; empty disables it.
	Addr string `yaml:"addr,omitempty"`
}

type JournalConfig struct {
	// Path of the SQLite journal; empty disables it.
	Path string `yaml:"path,omitempty"`
}

func DefaultConfig() *Config {
	userDataDir := getUserDataDir()

	return &Config{
		PriceLabel: DefaultPriceLabel,
		Vendors:    DefaultVendors(),
		Browser: BrowserConfig{
			Headless:      false,
			ProfilePath:   filepath.Join(userDataDir, "browser-profile"),
			WatchInterval: 2 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			MaxSessions:        4,
			MaxAnnouncementAge: 5 * time.Minute,
			DedupeTTL:          time.Hour,
			ResultBuffer:       64,
			Retry: RetryPolicy{
				MaxAttempts: 1,
				Network:     true,
				Delay:       time.Second,
			},
			Timeouts: DefaultTimeouts(),
		},
		Resolver: DefaultResolverOptions(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Journal: JournalConfig{
			Path: filepath.Join(userDataDir, "journal.db"),
		},
	}
}

// DefaultVendors is the storefront table shipped with the bot.
func DefaultVendors() VendorTable {
	return VendorTable{
		"ldlc": {
			Selectors: Selectors{
				AddCart:     ".add-to-cart-bloc .add-to-cart",
				Unavailable: `[data-stock-web="9"]`,
				Success:     ".product-add .msg",
			},
			SuccessPattern: "a bien été ajouté au panier",
		},
		"rdc": {
			Match: `rueducommerce|ruedu`,
			Selectors: Selectors{
				AddCart:     `#add-product:not([style="display:none;"])`,
				Unavailable: `#product__boutique_epuise_txt:not([style="display:none;"])`,
				Success:     ".popup-add-valid .title",
				RGPDBypass:  "#rgpd-btn-index-continue",
			},
			SuccessPattern: "a bien été ajouté au panier",
		},
		"gb": {
			Match: `grosbill`,
			Selectors: Selectors{
				AddCart:     "#_ctl0_ContentPlaceHolder1_btn_add_panier",
				Unavailable: ".disable #_ctl0_ContentPlaceHolder1_btn_add_panier_2",
				Success:     ".txt-ajout-panier",
				RGPDBypass:  "#_ctl0_CookieConsentButton",
			},
			SuccessPattern: "a bien été ajouté au panier",
		},
		"cd": {
			Match: `cdiscount|cdisco`,
			Selectors: Selectors{
				AddCart:     "#fpAddBsk:not(.clickDisabled)",
				Unavailable: "#fpAddBsk.clickDisabled",
				Captcha:     "#captcha-form",
				Success:     ".raAddMsgWithCheck",
			},
			SuccessPattern: "ajouté au panier",
		},
		"topachat": {
			Match: `top\s?achat`,
			Selectors: Selectors{
				AddCart:     ".panier input[type=submit]",
				Unavailable: ".en-rupture",
				Success:     ".orderbar__total",
				RGPDBypass:  "#cookie-wall-refuse",
			},
			SuccessPattern: "montant total de tes articles",
		},
		"cybertek": {
			Selectors: Selectors{
				AddCart:     `.ajout-fiche-produit:not(.disable) [id*="btn_add_panier"]`,
				Unavailable: ".ajout-fiche-produit.disable",
				Success:     ".txt-ajout-panier",
				RGPDBypass:  "#cookie-wall-refuse",
			},
			SuccessPattern: "a bien été ajouté au panier",
		},
		"bavar": {
			Indirect: true,
		},
	}
}

// LoadConfig reads path, writing the defaults there first when the file
// does not exist. A .env file next to the working directory and GPUHOUND_*
// variables override the file.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if config.Browser.ProfilePath != "" {
		if err := os.MkdirAll(config.Browser.ProfilePath, 0755); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("GPUHOUND_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("GPUHOUND_KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("GPUHOUND_REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup("GPUHOUND_HEADLESS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GPUHOUND_HEADLESS: %w", err)
		}
		c.Browser.Headless = b
	}
	if v, ok := lookup("GPUHOUND_HTTP_ADDR"); ok && v != "" {
		c.HTTP.Addr = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate resolves every direct vendor and compiles the match patterns, so
// configuration mistakes surface before the first announcement.
func (c *Config) Validate() error {
	if len(c.Vendors) == 0 {
		return &Error{Kind: KindConfiguration, Msg: "no vendors configured"}
	}

	var errs []error
	for _, id := range c.Vendors.IDs() {
		if c.Vendors[id].Indirect {
			continue
		}
		if _, err := c.Vendors.Resolve(id); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := NewVendorMatcher(c.Vendors); err != nil {
		errs = append(errs, err)
	}
	if _, err := NewIndirectResolver(&VendorMatcher{}, c.Resolver, nil); err != nil {
		errs = append(errs, err)
	}
	for _, name := range c.Dispatcher.Retry.On {
		if _, ok := ParseErrorKind(name); !ok {
			errs = append(errs, &Error{Kind: KindConfiguration, Msg: fmt.Sprintf("unknown error kind in retry.on: %q", name)})
		}
	}
	return errors.Join(errs...)
}
