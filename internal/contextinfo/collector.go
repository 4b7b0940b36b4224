// Package contextinfo fills the required message context record from the
// host environment.
package contextinfo

import (
	"os"
	"runtime"
	"strings"

	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/models"
)

// AppDescriptor identifies the embedding application; supplied by the host
// at client construction.
type AppDescriptor struct {
	Name    string
	Version string
	Build   string
}

// Collect snapshots the host environment into a MessageContext. Values the
// host cannot provide stay empty strings; the record itself is always
// present.
func Collect(app AppDescriptor) models.MessageContext {
	hostname, _ := os.Hostname()

	return models.MessageContext{
		App: models.AppInfo{
			Name:    app.Name,
			Version: app.Version,
			Build:   app.Build,
		},
		Device: models.DeviceInfo{
			Name: hostname,
			Type: runtime.GOARCH,
		},
		OS: models.OSInfo{
			Name: runtime.GOOS,
		},
		Locale:   localeFromEnv(),
		Timezone: timezoneFromEnv(),
		Library: models.LibraryInfo{
			Name:    common.LibraryName,
			Version: common.GetVersion(),
		},
	}
}

// localeFromEnv derives a locale tag from LC_ALL/LANG, e.g. "en_US".
func localeFromEnv() string {
	for _, key := range []string{"LC_ALL", "LANG"} {
		if v := os.Getenv(key); v != "" {
			if i := strings.IndexAny(v, ".@"); i > 0 {
				return v[:i]
			}
			return v
		}
	}
	return ""
}

// timezoneFromEnv reports the TZ variable when set, e.g. "UTC" or
// "Australia/Sydney".
func timezoneFromEnv() string {
	return os.Getenv("TZ")
}
