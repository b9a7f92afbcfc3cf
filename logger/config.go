package logger

// Config logging configuration
type Config struct {
	Level        string `json:"level"`         // debug, info, warn, error (default: info)
	ReportCaller bool   `json:"report_caller"` // include file:line in every entry
	AuditPath    string `json:"audit_path"`    // JSON-lines audit file, empty means stdout
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}
