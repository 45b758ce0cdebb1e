package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chatlinehq/crmbridge/pkg/common"
	"gopkg.in/yaml.v2"
)

type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	Secret  string `yaml:"secret" json:"secret"`
	TlsPort int    `yaml:"tls_port" json:"tls_port"`
}

type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// CrmConfig holds the CRM-side settings: the OAuth endpoint used for token
// refresh, this platform's public callback base URL (the CRM calls back into
// it for events and placements) and the connector naming convention.
type CrmConfig struct {
	OauthEndpoint   string `yaml:"oauth_endpoint" json:"oauth_endpoint"`
	ClientId        string `yaml:"client_id" json:"client_id"`
	ClientSecret    string `yaml:"client_secret" json:"client_secret"`
	CallbackBaseUrl string `yaml:"callback_base_url" json:"callback_base_url"`
	ConnectorPrefix string `yaml:"connector_prefix" json:"connector_prefix"`
	RequestTimeout  int    `yaml:"request_timeout" json:"request_timeout"`
}

type AppConfig struct {
	System   SysConfig `yaml:"system" json:"system"`
	Web      WebConfig `yaml:"web" json:"web"`
	Database DBConfig  `yaml:"database" json:"database"`
	Logger   LogConfig `yaml:"logger" json:"logger"`
	Crm      CrmConfig `yaml:"crm" json:"crm"`
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "crmbridge",
		Location: "Asia/Jakarta",
		Workdir:  "/var/crmbridge",
		Debug:    true,
	},
	Web: WebConfig{
		Host:   "0.0.0.0",
		Port:   1829,
		Secret: "9b6de5cc-0001-1203-xxtt-0f568ac9da37",
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "crmbridge",
		User:     "postgres",
		Passwd:   "myroot",
		MaxConn:  100,
		IdleConn: 10,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/crmbridge/crmbridge.log",
	},
	Crm: CrmConfig{
		OauthEndpoint:   "https://oauth.bitrix.info/oauth/token/",
		CallbackBaseUrl: "http://127.0.0.1:1829",
		ConnectorPrefix: "chatline_wa",
		RequestTimeout:  30,
	},
}

func setEnvValue(name string, val *string) {
	if v, ok := os.LookupEnv(name); ok {
		*val = v
	}
}

func setEnvBoolValue(name string, val *bool) {
	if v, ok := os.LookupEnv(name); ok {
		*val = v == "true" || v == "1" || v == "on"
	}
}

// LoadConfig parses the yaml config file and applies environment overrides.
// A missing file yields the default configuration.
func LoadConfig(cfile string) *AppConfig {
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig

	if cfile != "" && common.FileExists(cfile) {
		data, err := os.ReadFile(cfile)
		if err == nil {
			if err = yaml.Unmarshal(data, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "config: parse %s failed: %v\n", cfile, err)
			}
		}
	}

	setEnvValue("CRMBRIDGE_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvValue("CRMBRIDGE_WEB_SECRET", &cfg.Web.Secret)
	setEnvValue("CRMBRIDGE_DB_HOST", &cfg.Database.Host)
	setEnvValue("CRMBRIDGE_DB_NAME", &cfg.Database.Name)
	setEnvValue("CRMBRIDGE_DB_USER", &cfg.Database.User)
	setEnvValue("CRMBRIDGE_DB_PWD", &cfg.Database.Passwd)
	setEnvValue("CRMBRIDGE_CRM_CLIENT_ID", &cfg.Crm.ClientId)
	setEnvValue("CRMBRIDGE_CRM_CLIENT_SECRET", &cfg.Crm.ClientSecret)
	setEnvValue("CRMBRIDGE_CRM_CALLBACK_BASE_URL", &cfg.Crm.CallbackBaseUrl)
	setEnvBoolValue("CRMBRIDGE_SYSTEM_DEBUG", &cfg.System.Debug)

	if cfg.Crm.ConnectorPrefix == "" {
		cfg.Crm.ConnectorPrefix = "chatline_wa"
	}
	if cfg.Crm.RequestTimeout <= 0 {
		cfg.Crm.RequestTimeout = 30
	}

	_ = os.MkdirAll(cfg.System.Workdir, 0o755)
	_ = os.MkdirAll(filepath.Join(cfg.System.Workdir, "data"), 0o755)
	return cfg
}
