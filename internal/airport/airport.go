// Package airport defines the LiveATC directory data: airports, their audio
// channels and the frequencies each channel carries.
package airport

import (
	"strings"
)

// Frequency is one facility monitored by a channel.
type Frequency struct {
	Facility  string `json:"facility"`
	Frequency string `json:"frequency"`
}

// AudioChannel is a LiveATC feed. MP3URL points at the feed's playlist.
type AudioChannel struct {
	Name        string      `json:"name"`
	AirportICAO string      `json:"airport_icao"`
	FeedStatus  bool        `json:"feed_status"`
	Frequencies []Frequency `json:"frequencies"`
	MP3URL      string      `json:"mp3_url,omitempty"`
}

type Airport struct {
	ICAO          string         `json:"icao"`
	Name          string         `json:"name"`
	IATA          string         `json:"iata,omitempty"`
	City          string         `json:"city,omitempty"`
	StateProvince string         `json:"state_province,omitempty"`
	Country       string         `json:"country,omitempty"`
	Continent     string         `json:"continent,omitempty"`
	Region        string         `json:"region,omitempty"`
	Latitude      float64        `json:"latitude,omitempty"`
	Longitude     float64        `json:"longitude,omitempty"`
	METAR         string         `json:"metar,omitempty"`
	AudioChannels []AudioChannel `json:"audio_channels"`
}

type SearchResult struct {
	Query      string    `json:"query"`
	Results    []Airport `json:"results"`
	TotalCount int       `json:"total_count"`
}

// NormalizeICAO trims and upper-cases an airport code.
func NormalizeICAO(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidICAO reports whether code looks like a 3-4 character airport
// identifier. Codes are checked after normalization.
func ValidICAO(code string) bool {
	code = NormalizeICAO(code)
	if len(code) < 3 || len(code) > 4 {
		return false
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// DisplayName renders "Name (ICAO/IATA)" with whatever codes are known.
func (a *Airport) DisplayName() string {
	codes := a.ICAO
	if a.IATA != "" {
		codes += "/" + a.IATA
	}
	if a.Name == "" {
		return codes
	}
	if codes == "" {
		return a.Name
	}
	return a.Name + " (" + codes + ")"
}

// Location joins the city, region and country that are set.
func (a *Airport) Location() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.City, a.StateProvince, a.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// PlayableChannels returns the channels that are online and carry a stream
// URL, in directory order.
func (a *Airport) PlayableChannels() []AudioChannel {
	result := make([]AudioChannel, 0, len(a.AudioChannels))
	for _, ch := range a.AudioChannels {
		if ch.Playable() {
			result = append(result, ch)
		}
	}
	return result
}

// ChannelByName returns the channel with the given name, or nil.
func (a *Airport) ChannelByName(name string) *AudioChannel {
	for i := range a.AudioChannels {
		if a.AudioChannels[i].Name == name {
			ch := a.AudioChannels[i]
			return &ch
		}
	}
	return nil
}

func (c *AudioChannel) Playable() bool {
	return c.FeedStatus && strings.TrimSpace(c.MP3URL) != ""
}

// FrequencyList renders "TWR 119.100, GND 121.900".
func (c *AudioChannel) FrequencyList() string {
	parts := make([]string, 0, len(c.Frequencies))
	for _, f := range c.Frequencies {
		switch {
		case f.Facility != "" && f.Frequency != "":
			parts = append(parts, f.Facility+" "+f.Frequency)
		case f.Frequency != "":
			parts = append(parts, f.Frequency)
		case f.Facility != "":
			parts = append(parts, f.Facility)
		}
	}
	return strings.Join(parts, ", ")
}

func (c *AudioChannel) StatusLabel() string {
	if c.FeedStatus {
		return "Online"
	}
	return "Offline"
}
