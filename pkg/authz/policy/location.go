package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strings"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
)

// LocationMatch names an exact country/city pair or an IP rule (exact,
// CIDR, or a "*" wildcard suffix such as "10.0.*"). Radius checks are
// expressed separately with GeoRadius.
type LocationMatch struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
	IP      string `json:"ip,omitempty"`
}

// GeoRadius restricts applicability to within RadiusKm kilometers of a
// center point, using the Haversine formula.
type GeoRadius struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusKm  float64 `json:"radiusKm"`
}

// LocationRules is the typed rules payload for a LOCATION_BASED policy.
// deniedLocations take precedence over allowedLocations (spec §4.5):
// a request matching any denied entry is rejected even if it also
// matches an allowed one.
type LocationRules struct {
	AllowedLocations []LocationMatch `json:"allowedLocations,omitempty"`
	DeniedLocations  []LocationMatch `json:"deniedLocations,omitempty"`
	GeoRadius        *GeoRadius      `json:"geoRadius,omitempty"`
}

// LocationEvaluator implements Evaluator for LOCATION_BASED policies.
type LocationEvaluator struct{}

func (e *LocationEvaluator) Type() models.PolicyType { return models.PolicyLocationBased }

func (e *LocationEvaluator) Validate(rules json.RawMessage) bool {
	var r LocationRules
	if err := json.Unmarshal(rules, &r); err != nil {
		return false
	}
	if r.GeoRadius != nil && r.GeoRadius.RadiusKm <= 0 {
		return false
	}
	return true
}

func (e *LocationEvaluator) Evaluate(rules json.RawMessage, ctx EvaluationContext) (Result, error) {
	var r LocationRules
	if err := json.Unmarshal(rules, &r); err != nil {
		return Result{}, fmt.Errorf("policy: invalid location rules: %w", err)
	}

	for _, d := range r.DeniedLocations {
		if matchesLocation(d, ctx) {
			return Result{IsApplicable: false, Reason: "location is explicitly denied"}, nil
		}
	}

	if r.GeoRadius != nil {
		if ctx.Latitude == nil || ctx.Longitude == nil {
			return Result{IsApplicable: false, Reason: "coordinates unavailable for radius check"}, nil
		}
		d := haversineKm(*ctx.Latitude, *ctx.Longitude, r.GeoRadius.Latitude, r.GeoRadius.Longitude)
		if d > r.GeoRadius.RadiusKm {
			return Result{IsApplicable: false, Reason: fmt.Sprintf("outside geo radius (%.1fkm > %.1fkm)", d, r.GeoRadius.RadiusKm)}, nil
		}
	}

	if len(r.AllowedLocations) > 0 {
		for _, a := range r.AllowedLocations {
			if matchesLocation(a, ctx) {
				return Result{IsApplicable: true}, nil
			}
		}
		return Result{IsApplicable: false, Reason: "location not in allowed list"}, nil
	}

	return Result{IsApplicable: true}, nil
}

func matchesLocation(m LocationMatch, ctx EvaluationContext) bool {
	if m.Country != "" && !strings.EqualFold(m.Country, ctx.Country) {
		return false
	}
	if m.City != "" && !strings.EqualFold(m.City, ctx.City) {
		return false
	}
	if m.IP != "" && !matchesIP(m.IP, ctx.IPAddress) {
		return false
	}
	return m.Country != "" || m.City != "" || m.IP != ""
}

func matchesIP(pattern, ip string) bool {
	if ip == "" {
		return false
	}
	if pattern == ip {
		return true
	}
	if strings.Contains(pattern, "/") {
		_, cidr, err := net.ParseCIDR(pattern)
		if err != nil {
			return false
		}
		addr := net.ParseIP(ip)
		return addr != nil && cidr.Contains(addr)
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(ip, prefix)
	}
	return false
}

// haversineKm returns the great-circle distance in kilometers between
// two lat/lng points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
