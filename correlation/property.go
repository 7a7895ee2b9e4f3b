// Package correlation contains the Correlation Key model, and the components
// that compute and compare correlation values of Message Instances.
//
// A correlation Property is a named rule that extracts a value from the
// payload of a message. Properties are bound to message names through
// per-message retrieval expressions: two message names are correlation
// compatible for the properties they share by name.
package correlation

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Property is a named correlation key, extracted from the payload of the
// messages it is bound to.
type Property struct {
	Name string

	// Retrievals maps a message name to the expression used to extract
	// the Property value from the payload of messages with that name.
	Retrievals map[string]string
}

// All the errors returned while building a Registry.
var (
	ErrEmptyPropertyName     = errors.New("correlation: property name is empty")
	ErrDuplicateProperty     = errors.New("correlation: property registered more than once")
	ErrEmptyRetrieval        = errors.New("correlation: retrieval expression is empty")
	ErrEmptyRetrievalMessage = errors.New("correlation: retrieval message name is empty")
)

// Registry holds all the correlation Properties known to the engine,
// indexed by message name.
//
// A Registry is immutable once built, and safe for concurrent use.
type Registry struct {
	properties map[string]Property

	// byMessage holds the sorted property names bound to each message name.
	byMessage map[string][]string
}

// NewRegistry builds a new Registry from the provided Properties.
func NewRegistry(properties ...Property) (*Registry, error) {
	r := &Registry{
		properties: make(map[string]Property, len(properties)),
		byMessage:  make(map[string][]string),
	}

	for _, property := range properties {
		if property.Name == "" {
			return nil, ErrEmptyPropertyName
		}

		if _, ok := r.properties[property.Name]; ok {
			return nil, fmt.Errorf("correlation.NewRegistry: '%s', %w", property.Name, ErrDuplicateProperty)
		}

		for messageName, expression := range property.Retrievals {
			if messageName == "" {
				return nil, fmt.Errorf("correlation.NewRegistry: '%s', %w", property.Name, ErrEmptyRetrievalMessage)
			}

			if expression == "" {
				return nil, fmt.Errorf("correlation.NewRegistry: '%s' for '%s', %w",
					property.Name, messageName, ErrEmptyRetrieval)
			}

			r.byMessage[messageName] = append(r.byMessage[messageName], property.Name)
		}

		r.properties[property.Name] = property
	}

	for _, names := range r.byMessage {
		sort.Strings(names)
	}

	return r, nil
}

// PropertiesOf returns the sorted names of the Properties bound to the message name.
func (r *Registry) PropertiesOf(messageName string) []string {
	if r == nil {
		return nil
	}

	return slices.Clone(r.byMessage[messageName])
}

// Retrieval returns the expression used to extract the property
// from the payload of a message with the specified name.
func (r *Registry) Retrieval(property, messageName string) (string, bool) {
	if r == nil {
		return "", false
	}

	p, ok := r.properties[property]
	if !ok {
		return "", false
	}

	expression, ok := p.Retrievals[messageName]

	return expression, ok
}

// SharedProperties returns the sorted names of the Properties bound
// to both message names.
func (r *Registry) SharedProperties(messageName, otherMessageName string) []string {
	other := r.PropertiesOf(otherMessageName)

	var shared []string

	for _, name := range r.PropertiesOf(messageName) {
		if slices.Contains(other, name) {
			shared = append(shared, name)
		}
	}

	return shared
}

// Compatible reports whether a receive message named receiveName can
// be matched by a send message named sendName.
//
// Messages with the same name are always compatible. Otherwise, the receive
// message must define at least all the (non-empty) set of properties
// the send message defines.
func (r *Registry) Compatible(sendName, receiveName string) bool {
	if sendName == receiveName {
		return true
	}

	sendProperties := r.PropertiesOf(sendName)
	if len(sendProperties) == 0 {
		return false
	}

	receiveProperties := r.PropertiesOf(receiveName)

	for _, name := range sendProperties {
		if !slices.Contains(receiveProperties, name) {
			return false
		}
	}

	return true
}

// CompatibleNames returns the sorted names of all the messages that
// are compatible receivers for a send message with the specified name,
// including the name itself.
func (r *Registry) CompatibleNames(sendName string) []string {
	names := []string{sendName}

	if r != nil {
		for messageName := range r.byMessage {
			if messageName != sendName && r.Compatible(sendName, messageName) {
				names = append(names, messageName)
			}
		}
	}

	sort.Strings(names)

	return names
}
