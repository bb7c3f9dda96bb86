package events

// Normalize projects a RawEvent onto the stored row shape. It assumes Validate
// has already accepted the event.
func Normalize(raw RawEvent) NormalizedEvent {
	properties := raw.Properties
	if properties == nil {
		properties = map[string]any{}
	}

	deviceType, browser := UnknownValue, UnknownValue
	if raw.Session != nil {
		if raw.Session.DeviceType != "" {
			deviceType = raw.Session.DeviceType
		}
		if raw.Session.Browser != "" {
			browser = raw.Session.Browser
		}
	}

	return NormalizedEvent{
		ID:         raw.ID,
		SessionID:  raw.SessionID,
		UserID:     raw.UserID,
		Type:       raw.Type,
		Name:       raw.Name,
		Properties: properties,
		Timestamp:  raw.Timestamp.Time.UTC(),
		DeviceType: deviceType,
		Browser:    browser,
	}
}

// NormalizeBatch validates and normalizes a page of raw events, preserving order.
// dropped is the number of invalid events that were discarded.
func NormalizeBatch(raws []RawEvent) (normalized []NormalizedEvent, dropped int) {
	normalized = make([]NormalizedEvent, 0, len(raws))
	for _, raw := range raws {
		if !Validate(raw) {
			dropped++
			continue
		}
		normalized = append(normalized, Normalize(raw))
	}
	return normalized, dropped
}
