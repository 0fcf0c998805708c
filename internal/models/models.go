// Package models defines the data structures shared by probing, aggregation,
// persistence and the published server list.
package models

import (
	"net"
	"time"
)

// Region is a master server region code.
type Region uint8

// Master server region codes.
const (
	RegionUSEast       Region = 0x00
	RegionUSWest       Region = 0x01
	RegionSouthAmerica Region = 0x02
	RegionEurope       Region = 0x03
	RegionAsia         Region = 0x04
	RegionAustralia    Region = 0x05
	RegionMiddleEast   Region = 0x06
	RegionAfrica       Region = 0x07
	RegionAll          Region = 0xFF
)

var regionNames = map[Region]string{
	RegionUSEast:       "us-east",
	RegionUSWest:       "us-west",
	RegionSouthAmerica: "south-america",
	RegionEurope:       "europe",
	RegionAsia:         "asia",
	RegionAustralia:    "australia",
	RegionMiddleEast:   "middle-east",
	RegionAfrica:       "africa",
	RegionAll:          "all",
}

func (r Region) String() string {
	if name, ok := regionNames[r]; ok {
		return name
	}

	return "unknown"
}

// Server is the live state of one game server as published to readers.
// A probe replaces every live field; nothing is merged field by field.
type Server struct {
	Address     string   `json:"ip"`
	Name        string   `json:"name"`
	Map         string   `json:"map"`
	Keywords    string   `json:"keywords,omitempty"`
	Players     int      `json:"players"`
	MaxPlayers  int      `json:"maxPlayers"`
	Bots        int      `json:"bots"`
	Visibility  int      `json:"visibility"`
	Region      Region   `json:"region"`
	GeoIP       *LongLat `json:"geoip"`
	ActiveHours float64  `json:"active_hours,omitempty"`
}

// Host returns the address without its port.
func (s *Server) Host() string {
	return HostOf(s.Address)
}

// Humans returns players minus bots, never negative.
func (s *Server) Humans() int {
	if s.Players < s.Bots {
		return 0
	}

	return s.Players - s.Bots
}

// HostOf strips the port from a host:port address.
func HostOf(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}

	return host
}

// LongLat is a geolocation pair, serialized as [long, lat].
type LongLat [2]float64

// Candidate is an address produced by discovery together with the region it was listed in.
type Candidate struct {
	Address string
	Region  Region
}

// ServerRecord is the durable identity of a server.
type ServerRecord struct {
	LastOnline time.Time `json:"last_online"`
	IP         string    `json:"ip"`
	Name       string    `json:"name"`
	Keyword    string    `json:"keywords"`
	Map        string    `json:"map,omitempty"`
	ID         int64     `json:"-"`
	MapID      int64     `json:"-"`
	MaxPlayers int       `json:"maxPlayers"`
	Visibility int       `json:"visibility"`
	Region     Region    `json:"region"`
}

// PlayerCountSample is one 30-minute bucket of the player series of a server on a map.
type PlayerCountSample struct {
	ServerID    int64
	MapID       int64
	Timestamp   int64
	PlayerCount int
	PlayerHours float64
	RawHours    float64
}

// ServerMapHours is one day of played hours of a server on a map.
type ServerMapHours struct {
	Date     string
	ServerID int64
	MapID    int64
	Hours    float64
	RawHours float64
}

// BlacklistEntry assigns an administrative category to a server.
type BlacklistEntry struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

// Location is a cached geolocation of a host.
type Location struct {
	IP   string  `json:"ip"`
	Long float64 `json:"long"`
	Lat  float64 `json:"lat"`
}

// MapHours is the total of hours played on one map.
type MapHours struct {
	Map   string  `json:"map"`
	Hours float64 `json:"hours"`
}

// PlayerCount is the peak player count of one 30-minute bucket.
type PlayerCount struct {
	Timestamp   int64 `json:"timestamp"`
	PlayerCount int   `json:"player_count"`
}

// DailyMapHours is one day of played hours on a map.
type DailyMapHours struct {
	Map   string  `json:"map"`
	Date  string  `json:"date"`
	Hours float64 `json:"hours"`
}

// MapSummary is one row of the map listing.
type MapSummary struct {
	Map     string  `json:"map"`
	Hours   float64 `json:"hours"`
	Servers int     `json:"servers"`
}

// MapServer is one server that played a given map.
type MapServer struct {
	IP         string  `json:"ip"`
	Name       string  `json:"name"`
	LastPlayed string  `json:"lastPlayed"`
	Hours      float64 `json:"hours"`
	Visibility int     `json:"visibility"`
}

// KnownServer is a server reloaded from storage with its category.
type KnownServer struct {
	Server Server
	Reason string
}

// AdminServer is a row of the administrative overview.
type AdminServer struct {
	ServerRecord
	Hours float64 `json:"hours"`
}
