package domain

import "time"

// ChannelMapping associates one CRM open line with one local WhatsApp
// sending identity for an integration. At most one enabled mapping may
// exist per (integration, line); the unique index enforces it.
//
// A mapping may point at a line whose remote connector is not actually
// active. That is a normal transient state the diagnostic engine corrects.
type ChannelMapping struct {
	ID            int64  `json:"id,string" gorm:"primaryKey"`
	IntegrationId int64  `json:"integration_id,string" gorm:"uniqueIndex:idx_mapping_integration_line"`
	LineId        int    `json:"line_id" gorm:"uniqueIndex:idx_mapping_integration_line"`
	LineName      string `json:"line_name"`
	// Endpoint references the local WhatsApp-capable sending identity
	// (device JID or number) handling this line.
	Endpoint  string    `json:"endpoint"`
	Status    string    `json:"status" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (ChannelMapping) TableName() string {
	return "crm_channel_mapping"
}
