// Package config loads the sync daemon's configuration from a CUE file
// validated against an embedded schema, with POSSYNC_* environment
// variables layered on top.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaSource []byte

// Remote kinds.
const (
	RemoteHTTP     = "http"
	RemotePostgres = "postgres"
)

// Realtime transports.
const (
	TransportNone      = "none"
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
)

// Error codes.
const (
	ErrCodeRead    = "E_CONFIG_READ"
	ErrCodeSchema  = "E_CONFIG_SCHEMA"
	ErrCodeInvalid = "E_CONFIG_INVALID"
	ErrCodeEnv     = "E_CONFIG_ENV"
)

// LoadError reports a configuration problem, with the CUE position when
// the problem is in the file.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Remote selects and addresses the remote store.
type Remote struct {
	Kind   string
	URL    string
	APIKey string
	DSN    string
}

// Intervals holds the daemon's timer periods.
type Intervals struct {
	Shadow    time.Duration
	Heartbeat time.Duration
	Settle    time.Duration
	Debounce  time.Duration
}

// Realtime selects the change feed.
type Realtime struct {
	Transport string
	URL       string
	Addr      string
	Password  string
	Channel   string
}

// Config is the daemon configuration.
type Config struct {
	DB             string
	UserID         string
	AppVersion     string
	Admin          bool
	Remote         Remote
	Intervals      Intervals
	RetentionDays  int
	ReconcileBatch int
	Realtime       Realtime
	StatusAddr     string
	TableKeys      map[string][]string
}

// Defaults returns the configuration used when no file is given. It
// matches the defaults declared in the schema.
func Defaults() Config {
	return Config{
		DB:         "possync.db",
		AppVersion: "dev",
		Remote:     Remote{Kind: RemoteHTTP},
		Intervals: Intervals{
			Shadow:    10 * time.Second,
			Heartbeat: 5 * time.Minute,
			Settle:    2 * time.Second,
			Debounce:  400 * time.Millisecond,
		},
		RetentionDays:  30,
		ReconcileBatch: 100,
		Realtime:       Realtime{Transport: TransportNone, Channel: "possync:changes"},
		StatusAddr:     "127.0.0.1:8787",
		TableKeys:      map[string][]string{},
	}
}

// fileConfig mirrors the schema's field names for decoding.
type fileConfig struct {
	DB         string `json:"db"`
	UserID     string `json:"user_id"`
	AppVersion string `json:"app_version"`
	Admin      bool   `json:"admin"`
	Remote     struct {
		Kind   string `json:"kind"`
		URL    string `json:"url"`
		APIKey string `json:"api_key"`
		DSN    string `json:"dsn"`
	} `json:"remote"`
	Intervals struct {
		Shadow    string `json:"shadow"`
		Heartbeat string `json:"heartbeat"`
		Settle    string `json:"settle"`
		Debounce  string `json:"debounce"`
	} `json:"intervals"`
	RetentionDays  int `json:"retention_days"`
	ReconcileBatch int `json:"reconcile_batch"`
	Realtime       struct {
		Transport string `json:"transport"`
		URL       string `json:"url"`
		Addr      string `json:"addr"`
		Password  string `json:"password"`
		Channel   string `json:"channel"`
	} `json:"realtime"`
	StatusAddr string              `json:"status_addr"`
	TableKeys  map[string][]string `json:"table_keys"`
}

// Load reads the CUE file at path, or only the defaults when path is
// empty, then applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &LoadError{Code: ErrCodeRead, Message: err.Error()}
		}
		data = b
	}
	c, err := Parse(path, data)
	if err != nil {
		return Config{}, err
	}
	if err := applyEnv(&c, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Parse decodes CUE source against the schema. filename is used only in
// error positions.
func Parse(filename string, src []byte) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	if filename == "" {
		filename = "config.cue"
	}
	file := ctx.CompileBytes(src, cue.Filename(filename))
	if err := file.Err(); err != nil {
		return Config{}, schemaError(err)
	}

	v := def.Unify(file)
	if err := v.Validate(); err != nil {
		return Config{}, schemaError(err)
	}

	var fc fileConfig
	if err := v.Decode(&fc); err != nil {
		return Config{}, schemaError(err)
	}
	return fc.config()
}

func (fc fileConfig) config() (Config, error) {
	c := Config{
		DB:         fc.DB,
		UserID:     fc.UserID,
		AppVersion: fc.AppVersion,
		Admin:      fc.Admin,
		Remote: Remote{
			Kind:   fc.Remote.Kind,
			URL:    fc.Remote.URL,
			APIKey: fc.Remote.APIKey,
			DSN:    fc.Remote.DSN,
		},
		RetentionDays:  fc.RetentionDays,
		ReconcileBatch: fc.ReconcileBatch,
		Realtime: Realtime{
			Transport: fc.Realtime.Transport,
			URL:       fc.Realtime.URL,
			Addr:      fc.Realtime.Addr,
			Password:  fc.Realtime.Password,
			Channel:   fc.Realtime.Channel,
		},
		StatusAddr: fc.StatusAddr,
		TableKeys:  fc.TableKeys,
	}
	if c.TableKeys == nil {
		c.TableKeys = map[string][]string{}
	}

	var err error
	for _, d := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"intervals.shadow", fc.Intervals.Shadow, &c.Intervals.Shadow},
		{"intervals.heartbeat", fc.Intervals.Heartbeat, &c.Intervals.Heartbeat},
		{"intervals.settle", fc.Intervals.Settle, &c.Intervals.Settle},
		{"intervals.debounce", fc.Intervals.Debounce, &c.Intervals.Debounce},
	} {
		if *d.dst, err = time.ParseDuration(d.src); err != nil {
			return Config{}, &LoadError{Code: ErrCodeSchema, Message: fmt.Sprintf("%s: %v", d.name, err)}
		}
	}
	return c, nil
}

func schemaError(err error) error {
	le := &LoadError{Code: ErrCodeSchema, Message: err.Error()}
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		le.Message = errs[0].Error()
		le.Pos = errs[0].Position()
	}
	return le
}

func invalid(format string, args ...any) error {
	return &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf(format, args...)}
}

// Validate checks values that may have come from the environment, and
// cross-field requirements the schema cannot express. The remote address
// is checked separately by Remote.Validate since local-only commands run
// without one.
func (c Config) Validate() error {
	switch c.Remote.Kind {
	case RemoteHTTP, RemotePostgres:
	default:
		return invalid("unknown remote kind %q", c.Remote.Kind)
	}
	switch c.Realtime.Transport {
	case TransportNone:
	case TransportWebSocket:
		if c.Realtime.URL == "" {
			return invalid("realtime.url is required for the websocket transport")
		}
	case TransportRedis:
		if c.Realtime.Addr == "" {
			return invalid("realtime.addr is required for the redis transport")
		}
	default:
		return invalid("unknown realtime transport %q", c.Realtime.Transport)
	}
	if c.RetentionDays < 1 {
		return invalid("retention_days must be at least 1")
	}
	if c.ReconcileBatch < 1 {
		return invalid("reconcile_batch must be at least 1")
	}
	if c.DB == "" {
		return invalid("db must not be empty")
	}
	return nil
}

// Validate reports whether the remote is addressed for its kind.
func (r Remote) Validate() error {
	switch r.Kind {
	case RemoteHTTP:
		if r.URL == "" {
			return invalid("remote.url is required for the http remote")
		}
	case RemotePostgres:
		if r.DSN == "" {
			return invalid("remote.dsn is required for the postgres remote")
		}
	default:
		return invalid("unknown remote kind %q", r.Kind)
	}
	return nil
}

// applyEnv overrides c from POSSYNC_* variables found by lookup.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"POSSYNC_DB":                 &c.DB,
		"POSSYNC_USER_ID":            &c.UserID,
		"POSSYNC_APP_VERSION":        &c.AppVersion,
		"POSSYNC_REMOTE_KIND":        &c.Remote.Kind,
		"POSSYNC_REMOTE_URL":         &c.Remote.URL,
		"POSSYNC_REMOTE_API_KEY":     &c.Remote.APIKey,
		"POSSYNC_REMOTE_DSN":         &c.Remote.DSN,
		"POSSYNC_REALTIME_TRANSPORT": &c.Realtime.Transport,
		"POSSYNC_REALTIME_URL":       &c.Realtime.URL,
		"POSSYNC_REALTIME_ADDR":      &c.Realtime.Addr,
		"POSSYNC_REALTIME_PASSWORD":  &c.Realtime.Password,
		"POSSYNC_REALTIME_CHANNEL":   &c.Realtime.Channel,
		"POSSYNC_STATUS_ADDR":        &c.StatusAddr,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	var errs []error
	envErr := func(name string, err error) {
		errs = append(errs, &LoadError{Code: ErrCodeEnv, Message: fmt.Sprintf("%s: %v", name, err)})
	}
	if v, ok := lookup("POSSYNC_ADMIN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			envErr("POSSYNC_ADMIN", err)
		} else {
			c.Admin = b
		}
	}
	for name, dst := range map[string]*int{
		"POSSYNC_RETENTION_DAYS":  &c.RetentionDays,
		"POSSYNC_RECONCILE_BATCH": &c.ReconcileBatch,
	} {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				envErr(name, err)
				continue
			}
			*dst = n
		}
	}
	for name, dst := range map[string]*time.Duration{
		"POSSYNC_SHADOW_INTERVAL":    &c.Intervals.Shadow,
		"POSSYNC_HEARTBEAT_INTERVAL": &c.Intervals.Heartbeat,
		"POSSYNC_SETTLE_DELAY":       &c.Intervals.Settle,
		"POSSYNC_DEBOUNCE_WINDOW":    &c.Intervals.Debounce,
	} {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				envErr(name, err)
				continue
			}
			*dst = d
		}
	}
	return errors.Join(errs...)
}
