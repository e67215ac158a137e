// Package catalog holds the campus locations offered to navigation clients.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	json "github.com/goccy/go-json"

	"github.com/valandreev/offlinenav/log"
)

// Category groups locations for display.
type Category string

const (
	CategoryAcademic Category = "Academic Block"
	CategoryLab      Category = "Laboratory"
	CategoryAdmin    Category = "Administrative"
	CategoryFacility Category = "General Facility"
	CategoryHostel   Category = "Hostel"
	CategorySports   Category = "Sports & Parking"
)

// Location is a navigable point on campus.
type Location struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	Floor       string   `json:"floor,omitempty"`
	ModelURL    string   `json:"modelUrl,omitempty"`
}

// Center is the campus reference point.
var Center = struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}{Lat: 18.2811, Lng: 83.5412}

var catalogLog = log.GetLogger("catalog")

// Default returns a copy of the built-in campus catalog.
func Default() []Location {
	return append([]Location(nil), builtin...)
}

// Load reads a JSON array of locations from path. A missing file yields the
// built-in catalog and no error; a malformed one is logged and also falls back.
func Load(path string) ([]Location, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	locs, err := Parse(data)
	if err != nil {
		catalogLog.Errorf("failed to parse locations from %s: %v", path, err)
		return Default(), nil
	}
	return locs, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) ([]Location, error) {
	var locs []Location
	if err := json.Unmarshal(data, &locs); err != nil {
		return nil, err
	}
	if locs == nil {
		return nil, errors.New("catalog: expected a JSON array")
	}
	seen := make(map[string]struct{}, len(locs))
	for i, loc := range locs {
		if loc.ID == "" || loc.Name == "" {
			return nil, fmt.Errorf("catalog: entry %d needs an id and a name", i)
		}
		if _, dup := seen[loc.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate id %q", loc.ID)
		}
		seen[loc.ID] = struct{}{}
		if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
			return nil, fmt.Errorf("catalog: %s has coordinates out of range", loc.ID)
		}
	}
	return locs, nil
}

// Find returns the location with id.
func Find(locs []Location, id string) (Location, bool) {
	for _, loc := range locs {
		if loc.ID == id {
			return loc, true
		}
	}
	return Location{}, false
}

var builtin = []Location{
	{ID: "1", Name: "Main Administrative Block", Latitude: 18.2811, Longitude: 83.5412,
		Description: "Central administrative offices, Principal office, and main reception.", Category: CategoryAdmin},
	{ID: "2", Name: "Department of CSE & IT", Latitude: 18.2814, Longitude: 83.5415,
		Description: "Computer Science and Information Technology department labs, faculty rooms, and classrooms.", Category: CategoryAcademic},
	{ID: "3", Name: "Central Library & Digital Hub", Latitude: 18.2808, Longitude: 83.5410,
		Description: "Multi-story library with 50,000+ volumes and a dedicated digital learning center.", Category: CategoryFacility},
	{ID: "4", Name: "Advanced Electronics Lab", Latitude: 18.2812, Longitude: 83.5417,
		Description: "Specialized lab for VLSI, Embedded Systems, and Communication engineering.", Category: CategoryLab},
	{ID: "5", Name: "Main Campus Cafeteria", Latitude: 18.2806, Longitude: 83.5408,
		Description: "Spacious dining hall serving snacks, lunch, and refreshments.", Category: CategoryFacility},
	{ID: "6", Name: "Exam Cell & Records", Latitude: 18.2810, Longitude: 83.5411,
		Description: "Confidential examination department and student academic records.", Category: CategoryAdmin},
	{ID: "7", Name: "Placement & Training Cell", Latitude: 18.2809, Longitude: 83.5409,
		Description: "Career guidance office and dedicated interview cabins for campus recruitment.", Category: CategoryAdmin},
	{ID: "8", Name: "Mechanical Workshop", Latitude: 18.2818, Longitude: 83.5420,
		Description: "Heavy machinery, lathe machines, and thermal engineering laboratory.", Category: CategoryLab},
	{ID: "9", Name: "Boys Hostel", Latitude: 18.2797, Longitude: 83.5402,
		Description: "Residential quarters for male students with in-house mess facilities.", Category: CategoryHostel},
	{ID: "10", Name: "Girls Hostel", Latitude: 18.2799, Longitude: 83.5397,
		Description: "Secure residential block for female students with 24/7 warden support.", Category: CategoryHostel},
	{ID: "11", Name: "Sports Ground", Latitude: 18.2822, Longitude: 83.5405,
		Description: "Outdoor cricket ground, basketball court, and indoor sports hall.", Category: CategorySports},
}
