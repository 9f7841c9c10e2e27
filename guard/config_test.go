package guard

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestBindDefaults(t *testing.T) {
	v := viper.New()
	Bind(v)

	cfg := &Config{}
	require.NoError(t, v.Unmarshal(cfg))

	require.Equal(t, "marzneshin", cfg.PanelType)
	require.Equal(t, 1800, cfg.PanelNodeReset)
	require.Equal(t, 300, cfg.CacheTTL)
	require.Equal(t, 5, cfg.STL)
	require.Equal(t, 2, cfg.IUL)
	require.False(t, cfg.SyncWithPanel)
}

func TestBindEnvironmentOverrides(t *testing.T) {
	t.Setenv("STL", "7")
	t.Setenv("PANEL_ADDRESS", "https://panel.example.com/")
	t.Setenv("PANEL_CUSTOM_NODES", "eu-1, eu-2 ,")
	t.Setenv("BAN_LAST_USER", "true")

	v := viper.New()
	Bind(v)

	cfg := &Config{}
	require.NoError(t, v.Unmarshal(cfg))

	require.Equal(t, 7, cfg.STL)
	require.True(t, cfg.BanLastUser)
	require.Equal(t, "panel.example.com", cfg.PanelDomain())
	require.Equal(t, []string{"eu-1", "eu-2"}, cfg.CustomNodes())
}

func TestPanelDomainStripsScheme(t *testing.T) {
	for input, want := range map[string]string{
		"https://panel.example.com": "panel.example.com",
		"http://panel.example.com/": "panel.example.com",
		"panel.example.com:8000":    "panel.example.com:8000",
		"  ":                        "",
	} {
		cfg := &Config{PanelAddress: input}
		require.Equal(t, want, cfg.PanelDomain())
	}
}
