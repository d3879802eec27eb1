package geometry

// Touch is a single touch point of a touch event.
type Touch struct {
	ClientX float64 `json:"client_x"`
	ClientY float64 `json:"client_y"`
}

// PointerEvent is the payload of the event that terminates a drag. Mouse and
// pen events only carry ClientX/ClientY; touch events carry the lifted touch
// points in ChangedTouches.
type PointerEvent struct {
	ClientX        float64 `json:"client_x"`
	ClientY        float64 `json:"client_y"`
	ChangedTouches []Touch `json:"changed_touches,omitempty"`
}

// Position returns the screen position of the event: the first changed touch
// point for touch events, the pointer coordinates otherwise.
func (e PointerEvent) Position() Point {
	if len(e.ChangedTouches) > 0 {
		t := e.ChangedTouches[0]
		return Point{X: t.ClientX, Y: t.ClientY}
	}
	return Point{X: e.ClientX, Y: e.ClientY}
}
