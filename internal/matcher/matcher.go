// Package matcher matches BMKG warnings against monitored locations. It is
// pure and performs no I/O, mirroring the engine's other stateless stages.
package matcher

import (
	"strings"

	"github.com/bmkg-alert/alertd/internal/store"
)

// Match compares warning against every enabled location and returns one
// Match per location that satisfies either the primary kecamatan
// (subdistrict) test or the kabupaten (district) fallback. Disabled
// locations are skipped. When a location's subdistrict name is found in the
// warning description, the kecamatan match wins outright and the kabupaten
// fallback is never consulted for that location.
func Match(warning store.Warning, locations []store.Location) []store.Match {
	description := strings.ToLower(warning.Description)

	areaNames := make(map[string]struct{}, len(warning.Areas))
	for _, area := range warning.Areas {
		areaNames[strings.ToLower(area.Name)] = struct{}{}
	}

	var results []store.Match
	for _, loc := range locations {
		if !loc.Enabled {
			continue
		}

		subdistrict := strings.ToLower(loc.SubdistrictName)
		if subdistrict != "" && strings.Contains(description, subdistrict) {
			results = append(results, store.Match{
				Location:    loc,
				MatchType:   store.MatchTypeKecamatan,
				MatchedText: loc.SubdistrictName,
			})
			continue
		}

		district := strings.ToLower(loc.DistrictName)
		if district != "" && anyContains(areaNames, district) {
			results = append(results, store.Match{
				Location:    loc,
				MatchType:   store.MatchTypeKabupaten,
				MatchedText: loc.DistrictName,
			})
		}
	}

	return results
}

// anyContains reports whether district appears as a substring of any key
// in areaNames.
func anyContains(areaNames map[string]struct{}, district string) bool {
	for name := range areaNames {
		if strings.Contains(name, district) {
			return true
		}
	}
	return false
}
