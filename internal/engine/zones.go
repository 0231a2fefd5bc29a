package engine

// buildZones converts confirmed (non-preview) pivots into supply/demand
// zones and retains only the most recent maxZones. Ported from
// supply_demand_service.py.
func buildZones(pivots []Pivot, thicknessPct float64, extensionBars, maxZones int) []Zone {
	var zones []Zone
	for _, p := range pivots {
		if p.IsPreview {
			continue
		}
		zoneType := ZoneDemand
		if p.IsHigh {
			zoneType = ZoneSupply
		}
		center := p.ActualPrice
		half := (center * thicknessPct / 100.0) / 2.0
		zones = append(zones, Zone{
			Type:        zoneType,
			CenterPrice: center,
			TopPrice:    center + half,
			BottomPrice: center - half,
			StartBar:    p.BarIndex,
			EndBar:      p.BarIndex + extensionBars,
		})
	}
	if maxZones > 0 && len(zones) > maxZones {
		zones = zones[len(zones)-maxZones:]
	}
	return zones
}
