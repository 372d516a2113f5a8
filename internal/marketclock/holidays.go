package marketclock

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Calendar lists exchange holidays per market as YYYY-MM-DD strings in the
// market's local calendar.
type Calendar struct {
	US []string `yaml:"us"`
	KR []string `yaml:"kr"`

	us map[string]bool
	kr map[string]bool
}

// LoadCalendar reads a YAML holiday file. An empty path yields an empty
// calendar; a missing or malformed file is an error so a typo'd path cannot
// silently trade through a holiday.
func LoadCalendar(path string) (*Calendar, error) {
	cal := &Calendar{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read holiday file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cal); err != nil {
			return nil, fmt.Errorf("parse holiday file %s: %w", path, err)
		}
	}
	cal.index()
	return cal, nil
}

func (c *Calendar) index() {
	c.us = make(map[string]bool, len(c.US))
	for _, d := range c.US {
		c.us[d] = true
	}
	c.kr = make(map[string]bool, len(c.KR))
	for _, d := range c.KR {
		c.kr[d] = true
	}
}

// Holiday reports whether the market-local time falls on a listed holiday.
func (c *Calendar) Holiday(market string, local time.Time) bool {
	day := local.Format("2006-01-02")
	if market == "KR" {
		return c.kr[day]
	}
	return c.us[day]
}
