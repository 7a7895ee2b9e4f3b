// Package registry loads the correlation configuration of the engine
// from YAML definitions: the correlation properties, with their
// per-message retrieval expressions, and the message start routes.
//
// An example definition:
//
//	evaluator: path
//	correlation_properties:
//	  - name: po_number
//	    retrieval_expressions:
//	      - message: Request Approval
//	        expression: po_number
//	      - message: Approval Result
//	        expression: order.po_number
//	message_start_routes:
//	  - message: Request Approval
//	    process_model: approvals/message_receive
package registry

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/get-eventually/go-correlator/correlation"
	"github.com/get-eventually/go-correlator/expression"
	"github.com/get-eventually/go-correlator/process"
)

// Evaluators supported in definitions.
const (
	EvaluatorPath = "path"
	EvaluatorGo   = "go"
)

// All the errors returned while loading a Definition.
var (
	ErrUnknownEvaluator = errors.New("registry: unknown expression evaluator")
	ErrInvalidRoute     = errors.New("registry: message start route needs both message and process model")
	ErrDuplicateRoute   = errors.New("registry: message start route defined more than once")

	ErrDuplicateRetrieval = errors.New("registry: retrieval expression defined more than once for the same message")
)

// RetrievalExpression binds a correlation property to a message name.
type RetrievalExpression struct {
	Message    string `yaml:"message"`
	Expression string `yaml:"expression"`
}

// CorrelationProperty is the YAML representation of a correlation.Property.
type CorrelationProperty struct {
	Name                 string                `yaml:"name"`
	RetrievalExpressions []RetrievalExpression `yaml:"retrieval_expressions"`
}

// MessageStartRoute binds a message name to the process model
// started by its message start event.
type MessageStartRoute struct {
	Message      string `yaml:"message"`
	ProcessModel string `yaml:"process_model"`
}

// File is the YAML document describing a Definition.
type File struct {
	Evaluator             string                `yaml:"evaluator"`
	CorrelationProperties []CorrelationProperty `yaml:"correlation_properties"`
	MessageStartRoutes    []MessageStartRoute   `yaml:"message_start_routes"`
}

// Definition is the correlation configuration used by the engine.
type Definition struct {
	Registry  *correlation.Registry
	Routes    process.Routes
	Evaluator expression.Evaluator
}

// Load decodes a Definition from its YAML representation.
//
// Unknown fields are rejected.
func Load(r io.Reader) (Definition, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var file File
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return Definition{}, fmt.Errorf("registry.Load: failed to decode definition, %w", err)
	}

	definition, err := file.Definition()
	if err != nil {
		return Definition{}, fmt.Errorf("registry.Load: %w", err)
	}

	return definition, nil
}

// LoadFile decodes a Definition from the YAML file at the specified path.
func LoadFile(path string) (Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return Definition{}, fmt.Errorf("registry.LoadFile: failed to open file, %w", err)
	}

	defer f.Close()

	return Load(f)
}

// Definition validates the File and builds the Definition it describes.
func (f File) Definition() (Definition, error) {
	properties := make([]correlation.Property, 0, len(f.CorrelationProperties))

	for _, p := range f.CorrelationProperties {
		property := correlation.Property{
			Name:       p.Name,
			Retrievals: make(map[string]string, len(p.RetrievalExpressions)),
		}

		for _, retrieval := range p.RetrievalExpressions {
			if _, ok := property.Retrievals[retrieval.Message]; ok {
				return Definition{}, fmt.Errorf("'%s' for '%s', %w", p.Name, retrieval.Message, ErrDuplicateRetrieval)
			}

			property.Retrievals[retrieval.Message] = retrieval.Expression
		}

		properties = append(properties, property)
	}

	registry, err := correlation.NewRegistry(properties...)
	if err != nil {
		return Definition{}, err
	}

	routes := make(process.Routes, len(f.MessageStartRoutes))

	for _, route := range f.MessageStartRoutes {
		if route.Message == "" || route.ProcessModel == "" {
			return Definition{}, fmt.Errorf("%+v, %w", route, ErrInvalidRoute)
		}

		if _, ok := routes[route.Message]; ok {
			return Definition{}, fmt.Errorf("'%s', %w", route.Message, ErrDuplicateRoute)
		}

		routes[route.Message] = process.ModelID(route.ProcessModel)
	}

	evaluator, err := NewEvaluator(f.Evaluator)
	if err != nil {
		return Definition{}, err
	}

	return Definition{
		Registry:  registry,
		Routes:    routes,
		Evaluator: evaluator,
	}, nil
}

// NewEvaluator returns the expression.Evaluator with the specified name.
// An empty name selects the path evaluator.
func NewEvaluator(name string) (expression.Evaluator, error) {
	switch name {
	case "", EvaluatorPath:
		return expression.Path{}, nil
	case EvaluatorGo:
		interpreter, err := expression.NewInterpreter()
		if err != nil {
			return nil, err
		}

		return interpreter, nil
	default:
		return nil, fmt.Errorf("'%s', %w", name, ErrUnknownEvaluator)
	}
}
