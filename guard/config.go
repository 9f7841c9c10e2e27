package guard

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/Mtoly/XrayIPGuard/common/limiter"
)

// Config is the full agent configuration. Values come from the config file
// and may be overridden by environment variables (see envBindings).
type Config struct {
	Debug         bool   `mapstructure:"Debug"`
	PanelType     string `mapstructure:"PanelType"`
	SyncWithPanel bool   `mapstructure:"SyncWithPanel"`

	PanelUsername    string `mapstructure:"PanelUsername"`
	PanelPassword    string `mapstructure:"PanelPassword"`
	PanelAddress     string `mapstructure:"PanelAddress"`
	PanelCustomNodes string `mapstructure:"PanelCustomNodes"`
	PanelNodeReset   int    `mapstructure:"PanelNodeReset"`

	CacheTTL           int    `mapstructure:"CacheTTL"`
	MarzneshinServices string `mapstructure:"MarzneshinServices"`

	DefaultLimit int  `mapstructure:"DefaultLimit"`
	STL          int  `mapstructure:"STL"`
	IUL          int  `mapstructure:"IUL"`
	BanLastUser  bool `mapstructure:"BanLastUser"`
	Accepted     bool `mapstructure:"Accepted"`

	ExceptedIPsFile string `mapstructure:"ExceptedIPsFile"`
	LimitsFile      string `mapstructure:"LimitsFile"`

	Redis *limiter.RedisConfig `mapstructure:"Redis"`
}

// envBindings maps config keys to the environment variables that override
// them, so the agent can run file-less in a container.
var envBindings = map[string]string{
	"Debug":              "DEBUG",
	"PanelType":          "PANEL_TYPE",
	"SyncWithPanel":      "SYNC_WITH_PANEL",
	"PanelUsername":      "PANEL_USERNAME",
	"PanelPassword":      "PANEL_PASSWORD",
	"PanelAddress":       "PANEL_ADDRESS",
	"PanelCustomNodes":   "PANEL_CUSTOM_NODES",
	"PanelNodeReset":     "PANEL_NODE_RESET",
	"CacheTTL":           "CACHE_TTL",
	"MarzneshinServices": "MARZNESHIN_SERVICES",
	"DefaultLimit":       "DEFAULT_LIMIT",
	"STL":                "STL",
	"IUL":                "IUL",
	"BanLastUser":        "BAN_LAST_USER",
	"Accepted":           "ACCEPTED",
	"ExceptedIPsFile":    "EXCEPTED_IPS_FILE",
	"LimitsFile":         "LIMITS_FILE",
	"Redis.Enable":       "REDIS_ENABLE",
	"Redis.Addr":         "REDIS_ADDR",
	"Redis.Username":     "REDIS_USERNAME",
	"Redis.Password":     "REDIS_PASSWORD",
	"Redis.DB":           "REDIS_DB",
}

// Bind wires defaults and environment overrides into a viper instance.
func Bind(v *viper.Viper) {
	v.SetDefault("PanelType", "marzneshin")
	v.SetDefault("PanelNodeReset", 1800)
	v.SetDefault("CacheTTL", 300)
	v.SetDefault("DefaultLimit", 0)
	v.SetDefault("STL", 5)
	v.SetDefault("IUL", 2)
	v.SetDefault("LimitsFile", "limits.db")

	for key, env := range envBindings {
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(key, env)
	}
}

// CustomNodes splits the comma separated node-name filter. Empty means all
// healthy nodes.
func (c *Config) CustomNodes() []string {
	if strings.TrimSpace(c.PanelCustomNodes) == "" {
		return nil
	}
	var names []string
	for _, name := range strings.Split(c.PanelCustomNodes, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// PanelDomain strips an optional scheme from PanelAddress; the client probes
// https and http itself.
func (c *Config) PanelDomain() string {
	domain := strings.TrimSpace(c.PanelAddress)
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	return strings.TrimSuffix(domain, "/")
}
