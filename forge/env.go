// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Version is the client's semantic version, compared against the server's
// declared API version by the compatibility check.
const Version = "7.4.0"

// ClientName identifies this SDK in the call context environment.
const ClientName = "forge-go"

// DefaultHost is the production Forge endpoint.
const DefaultHost = "https://api.forge.qcware.com"

const (
	defaultClientTimeout = 60
	defaultServerTimeout = 10
	defaultAsyncInterval = 5.0
	maxServerTimeout     = 50
	maxAsyncInterval     = 50.0
)

// Environment variable names, minus the QCWARE_ prefix, as viper keys. Dots
// become underscores in the variable name.
const (
	keyHost          = "host"
	keyAPIKey        = "api_key"
	keyClientTimeout = "client_timeout"
	keyServerTimeout = "server_timeout"
	keyAsyncInterval = "async_interval_between_tries"
	keySchedMode     = "scheduling_mode"
	keyEnvEnv        = "environment.environment"
	keyEnvSourceFile = "environment.source_file"
	keyIBMQToken     = "cred.ibmq.token"
	keyIBMQHub       = "cred.ibmq.hub"
	keyIBMQGroup     = "cred.ibmq.group"
	keyIBMQProject   = "cred.ibmq.project"
	keyClientDebug   = "client_debug"
)

const envPrefix = "qcware"

// envName maps a viper key to its QCWARE_* environment variable.
func envName(key string) string {
	return strings.ToUpper(envPrefix + "_" + strings.ReplaceAll(key, ".", "_"))
}

// settingsGeneration is bumped by every setter; compatibility probes that
// observed an older generation run again.
var settingsGeneration atomic.Uint64

func newEnvReader() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(keyHost, DefaultHost)
	v.SetDefault(keyAPIKey, "")
	v.SetDefault(keyClientTimeout, defaultClientTimeout)
	v.SetDefault(keyServerTimeout, defaultServerTimeout)
	v.SetDefault(keyAsyncInterval, defaultAsyncInterval)
	v.SetDefault(keySchedMode, string(SchedulingImmediate))
	v.SetDefault(keyEnvEnv, "default")
	v.SetDefault(keyEnvSourceFile, "")
	v.SetDefault(keyClientDebug, false)
	return v
}

// rootContext builds the bottom layer of the context stack from process
// defaults and QCWARE_* environment variables. Invalid values fall back to
// the default and are logged.
func rootContext() CallContext {
	v := newEnvReader()

	host := strings.TrimRight(strings.TrimSpace(v.GetString(keyHost)), "/")
	if host == "" {
		host = DefaultHost
	}

	clientTimeout := envInt(v, keyClientTimeout, defaultClientTimeout)
	if clientTimeout < 0 {
		clientTimeout = 0
	}
	serverTimeout := clampInt(envInt(v, keyServerTimeout, defaultServerTimeout), 0, maxServerTimeout)
	interval := clampFloat(envFloat(v, keyAsyncInterval, defaultAsyncInterval), 0, maxAsyncInterval)

	mode := SchedulingMode(strings.ToLower(strings.TrimSpace(v.GetString(keySchedMode))))
	if !mode.Valid() {
		slog.Warn("forge: ignoring invalid scheduling mode",
			"env", envName(keySchedMode), "value", string(mode))
		mode = SchedulingImmediate
	}

	creds := &Credentials{}
	if key := strings.TrimSpace(v.GetString(keyAPIKey)); key != "" {
		creds.QCWareAPIKey = Ptr(key)
	}
	ibmq := &IBMQCredentials{
		Token:   envString(v, keyIBMQToken),
		Hub:     envString(v, keyIBMQHub),
		Group:   envString(v, keyIBMQGroup),
		Project: envString(v, keyIBMQProject),
	}
	if ibmq.Token != nil || ibmq.Hub != nil || ibmq.Group != nil || ibmq.Project != nil {
		creds.IBMQ = ibmq
	}

	debug, err := cast.ToBoolE(v.Get(keyClientDebug))
	if err != nil {
		slog.Warn("forge: ignoring invalid debug flag", "env", envName(keyClientDebug), "err", err)
		debug = false
	}

	return CallContext{
		Host:        Ptr(host),
		Credentials: creds,
		Environment: &Environment{
			Client:         Ptr(ClientName),
			ClientVersion:  Ptr(Version),
			RuntimeVersion: Ptr(runtime.Version()),
			Environment:    Ptr(v.GetString(keyEnvEnv)),
			SourceFile:     Ptr(v.GetString(keyEnvSourceFile)),
			Debug:          Ptr(debug),
		},
		ServerTimeout:             Ptr(serverTimeout),
		ClientTimeout:             Ptr(clientTimeout),
		AsyncIntervalBetweenTries: Ptr(interval),
		SchedulingMode:            Ptr(mode),
	}
}

func envString(v *viper.Viper, key string) *string {
	s := strings.TrimSpace(v.GetString(key))
	if s == "" {
		return nil
	}
	return Ptr(s)
}

func envInt(v *viper.Viper, key string, def int) int {
	n, err := cast.ToIntE(v.Get(key))
	if err != nil {
		slog.Warn("forge: ignoring invalid integer setting", "env", envName(key), "err", err)
		return def
	}
	return n
}

func envFloat(v *viper.Viper, key string, def float64) float64 {
	f, err := cast.ToFloat64E(v.Get(key))
	if err != nil {
		slog.Warn("forge: ignoring invalid numeric setting", "env", envName(key), "err", err)
		return def
	}
	return f
}

func clampInt(n, lo, hi int) int {
	return max(lo, min(n, hi))
}

func clampFloat(f, lo, hi float64) float64 {
	return max(lo, min(f, hi))
}

// validateHost checks that host is an absolute http(s) URL without a path.
func validateHost(host string) error {
	u, err := url.Parse(host)
	if err != nil {
		return &ConfigurationError{Setting: envName(keyHost), Message: fmt.Sprintf("malformed host %q: %v", host, err)}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigurationError{Setting: envName(keyHost), Message: fmt.Sprintf("host %q must be an http(s) URL", host)}
	}
	return nil
}

// --- Top-level setters ---

func setEnv(key, value string) error {
	if err := os.Setenv(envName(key), value); err != nil {
		return fmt.Errorf("setting %s: %w", envName(key), err)
	}
	settingsGeneration.Add(1)
	return nil
}

// SetHost sets QCWARE_HOST for subsequent calls.
func SetHost(host string) error {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if err := validateHost(host); err != nil {
		return err
	}
	return setEnv(keyHost, host)
}

// SetAPIKey sets QCWARE_API_KEY for subsequent calls.
func SetAPIKey(key string) error {
	return setEnv(keyAPIKey, key)
}

// SetClientTimeout sets how many seconds blocking calls poll before returning
// an *ApiTimeoutError. Zero makes blocking calls submit-only.
func SetClientTimeout(seconds int) error {
	if seconds < 0 {
		return &ConfigurationError{Setting: envName(keyClientTimeout), Message: "must be >= 0"}
	}
	return setEnv(keyClientTimeout, strconv.Itoa(seconds))
}

// SetServerTimeout sets how long the server may hold each poll (0 to 50 s).
func SetServerTimeout(seconds int) error {
	if seconds < 0 || seconds > maxServerTimeout {
		return &ConfigurationError{Setting: envName(keyServerTimeout), Message: "must be between 0 and 50"}
	}
	return setEnv(keyServerTimeout, strconv.Itoa(seconds))
}

// SetAsyncIntervalBetweenTries sets the pause between timed-out retrieval
// attempts in asynchronous calls (0 to 50 s).
func SetAsyncIntervalBetweenTries(seconds float64) error {
	if seconds < 0 || seconds > maxAsyncInterval {
		return &ConfigurationError{Setting: envName(keyAsyncInterval), Message: "must be between 0 and 50"}
	}
	return setEnv(keyAsyncInterval, strconv.FormatFloat(seconds, 'f', -1, 64))
}

// SetSchedulingMode sets QCWARE_SCHEDULING_MODE.
func SetSchedulingMode(mode SchedulingMode) error {
	if !mode.Valid() {
		return &ConfigurationError{Setting: envName(keySchedMode), Message: fmt.Sprintf("unknown mode %q", mode)}
	}
	return setEnv(keySchedMode, string(mode))
}

// SetEnvironmentEnvironment sets the deployment environment tag.
func SetEnvironmentEnvironment(tag string) error {
	return setEnv(keyEnvEnv, tag)
}

// SetEnvironmentSourceFile sets the source-file tag reported with each call.
func SetEnvironmentSourceFile(name string) error {
	return setEnv(keyEnvSourceFile, name)
}

// SetClientDebug toggles server traceback passthrough.
func SetClientDebug(enabled bool) error {
	return setEnv(keyClientDebug, strconv.FormatBool(enabled))
}

// SetIBMQCredentials sets the QCWARE_CRED_IBMQ_* variables. Empty strings
// clear the corresponding field.
func SetIBMQCredentials(token, hub, group, project string) error {
	for key, val := range map[string]string{
		keyIBMQToken:   token,
		keyIBMQHub:     hub,
		keyIBMQGroup:   group,
		keyIBMQProject: project,
	} {
		if err := setEnv(key, val); err != nil {
			return err
		}
	}
	return nil
}
