package ogc

import (
	"log/slog"

	"github.com/MeKo-Tech/tilehub/internal/jsonstore"
)

// ServiceMetadata feeds the ServiceIdentification / ServiceProvider blocks
// of the capability documents. Loaded from config/service-metadata.json.
type ServiceMetadata struct {
	Title             string   `json:"title"`
	Abstract          string   `json:"abstract,omitempty"`
	Keywords          []string `json:"keywords,omitempty"`
	Fees              string   `json:"fees,omitempty"`
	AccessConstraints string   `json:"accessConstraints,omitempty"`
	ProviderName      string   `json:"providerName,omitempty"`
	ProviderSite      string   `json:"providerSite,omitempty"`
	ContactName       string   `json:"contactName,omitempty"`
	ContactPosition   string   `json:"contactPosition,omitempty"`
	ContactEmail      string   `json:"contactEmail,omitempty"`
	ContactPhone      string   `json:"contactPhone,omitempty"`
}

// LoadServiceMetadata reads the metadata file, falling back to generic
// defaults when it is missing or unreadable.
func LoadServiceMetadata(path string, logger *slog.Logger) ServiceMetadata {
	meta := ServiceMetadata{
		Title:             "Tile Cache WMTS",
		Abstract:          "Cached map tiles",
		Fees:              "none",
		AccessConstraints: "none",
		ProviderName:      "Tile Cache Server",
	}
	if path == "" {
		return meta
	}
	if _, err := jsonstore.ReadJSON(path, &meta); err != nil && logger != nil {
		logger.Warn("service metadata unreadable, using defaults", "path", path, "error", err)
	}
	return meta
}
