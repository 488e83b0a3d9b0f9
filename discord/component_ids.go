package discord

import (
	"fmt"
	"strings"
)

const ComponentIDPrefix = "t:"

type ComponentIDSource string
type ComponentIDAction string

const (
	ComponentSourcePanel = ComponentIDSource("panel")

	ComponentActionToggle = ComponentIDAction("toggle")
	ComponentActionClear  = ComponentIDAction("clear")
)

type ComponentID struct {
	// Source is the message the component lives on, ie: "panel"
	Source ComponentIDSource

	// Action is what the component should do, ie: "toggle"
	Action ComponentIDAction
}

var (
	ErrComponentIDInvalidPrefix = fmt.Errorf("invalid component id prefix")
	ErrComponentIDInvalidParts  = fmt.Errorf("incorrect number of parts in component id")
)

func ParseComponentID(id string) (*ComponentID, error) {
	id, found := strings.CutPrefix(id, ComponentIDPrefix)
	if !found {
		return nil, ErrComponentIDInvalidPrefix
	}

	source, action, found := strings.Cut(id, ":")
	if !found || source == "" || action == "" || strings.Contains(action, ":") {
		return nil, ErrComponentIDInvalidParts
	}

	return &ComponentID{
		Source: ComponentIDSource(source),
		Action: ComponentIDAction(action),
	}, nil
}

func (c *ComponentID) String() string {
	return ComponentIDPrefix + string(c.Source) + ":" + string(c.Action)
}

func ComponentIDString(source ComponentIDSource, action ComponentIDAction) string {
	componentID := &ComponentID{
		Source: source,
		Action: action,
	}
	return componentID.String()
}
