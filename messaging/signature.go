package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"strings"

	"github.com/glimte/relay/appctx"
	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/serialization"
)

var (
	contextType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	loggerType   = reflect.TypeOf((*slog.Logger)(nil))
	repoType     = reflect.TypeOf((*appctx.Repository)(nil))
	brokerType   = reflect.TypeOf((*Broker)(nil))
	envelopeType = reflect.TypeOf((*contracts.Envelope)(nil))
	headersType  = reflect.TypeOf(contracts.Headers(nil))
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
)

// injectedTypes maps parameter types resolved from the call scope to the
// name they are known by.
var injectedTypes = map[reflect.Type]string{
	contextType:  "ctx",
	loggerType:   "logger",
	repoType:     appctx.NameContext,
	brokerType:   "broker",
	envelopeType: "envelope",
	headersType:  "headers",
}

// Param describes one handler parameter
type Param struct {
	Name     string
	Type     reflect.Type
	Variadic bool
	// Inject marks parameters resolved from the call scope or the context
	// repository instead of the message body
	Inject bool

	byType bool
}

// signature is the registration-time descriptor of a handler function
type signature struct {
	fn       reflect.Value
	name     string
	params   []Param
	body     []int
	result   reflect.Type
	hasError bool
	variadic bool
}

func newSignature(fn any, names, injected []string) (*signature, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("handler must be a function, got %T", fn)
	}
	t := v.Type()

	sig := &signature{
		fn:       v,
		name:     funcName(v),
		variadic: t.IsVariadic(),
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			sig.hasError = true
		} else {
			sig.result = t.Out(0)
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("handler %s: second result must be error, got %s", sig.name, t.Out(1))
		}
		sig.result = t.Out(0)
		sig.hasError = true
	default:
		return nil, fmt.Errorf("handler %s: at most two results allowed, got %d", sig.name, t.NumOut())
	}

	isInjected := make(map[string]bool, len(injected))
	for _, name := range injected {
		isInjected[name] = true
	}

	bodyCount := 0
	for i := 0; i < t.NumIn(); i++ {
		if _, ok := injectedTypes[t.In(i)]; !ok || (sig.variadic && i == t.NumIn()-1) {
			bodyCount++
		}
	}

	used := 0
	for i := 0; i < t.NumIn(); i++ {
		p := Param{
			Type:     t.In(i),
			Variadic: sig.variadic && i == t.NumIn()-1,
		}

		if name, ok := injectedTypes[p.Type]; ok && !p.Variadic {
			p.Name = name
			p.Inject = true
			p.byType = true
			sig.params = append(sig.params, p)
			continue
		}

		switch {
		case used < len(names):
			p.Name = names[used]
		case bodyCount == 1:
			p.Name = "body"
		default:
			return nil, fmt.Errorf("handler %s: parameter %d (%s) has no name; name body parameters with Params", sig.name, i, p.Type)
		}
		used++

		if isInjected[p.Name] {
			p.Inject = true
			delete(isInjected, p.Name)
		} else {
			sig.body = append(sig.body, len(sig.params))
		}
		sig.params = append(sig.params, p)
	}

	if used < len(names) {
		return nil, fmt.Errorf("handler %s: %d parameter names given for %d parameters", sig.name, len(names), used)
	}
	for name := range isInjected {
		return nil, fmt.Errorf("handler %s: injected name %q is not a parameter", sig.name, name)
	}
	return sig, nil
}

func funcName(v reflect.Value) string {
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return v.Type().String()
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// scope holds the values available to injected parameters for one call
type scope struct {
	ctx    context.Context
	env    *contracts.Envelope
	logger *slog.Logger
	repo   *appctx.Repository
	broker *Broker
}

func (s *scope) byType(t reflect.Type) reflect.Value {
	switch t {
	case contextType:
		return reflect.ValueOf(&s.ctx).Elem()
	case loggerType:
		return reflect.ValueOf(s.logger)
	case repoType:
		return reflect.ValueOf(s.repo)
	case brokerType:
		return reflect.ValueOf(s.broker)
	case envelopeType:
		return reflect.ValueOf(s.env)
	case headersType:
		return reflect.ValueOf(s.env.Headers)
	}
	return reflect.Zero(t)
}

func (s *scope) named(name string) (any, bool) {
	switch name {
	case "logger":
		return s.logger, true
	case "broker":
		if s.broker != nil {
			return s.broker, true
		}
	case "envelope", "message":
		return s.env, true
	case "headers":
		return s.env.Headers, true
	}
	if s.repo == nil {
		return nil, false
	}
	return s.repo.Get(name)
}

// resolve builds the call arguments: injected values first, then the body
// spread across the remaining parameters.
func (s *signature) resolve(c serialization.Caster, body any, sc *scope) ([]reflect.Value, error) {
	args := make([]reflect.Value, len(s.params))

	for i, p := range s.params {
		if !p.Inject {
			continue
		}
		if p.byType {
			args[i] = sc.byType(p.Type)
			continue
		}
		raw, ok := sc.named(p.Name)
		if !ok {
			if nilable(p.Type) {
				args[i] = reflect.Zero(p.Type)
				continue
			}
			return nil, missingField(p)
		}
		v, err := castParam(c, raw, p)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	if err := s.resolveBody(c, body, args); err != nil {
		return nil, err
	}
	return args, nil
}

// bodyOf returns the value the body parameters are cast from. A body without
// a content type was sniffed and may have been read as JSON, so a lone
// string or []byte parameter gets the bytes as sent.
func (s *signature) bodyOf(env *contracts.Envelope) any {
	if !serialization.Sniffed(env.ContentType) || len(s.body) != 1 {
		return env.Body
	}
	p := s.params[s.body[0]]
	if p.Variadic {
		return env.Body
	}
	switch {
	case p.Type.Kind() == reflect.String:
		return string(env.RawBody)
	case p.Type.Kind() == reflect.Slice && p.Type.Elem().Kind() == reflect.Uint8:
		return env.RawBody
	}
	return env.Body
}

func (s *signature) resolveBody(c serialization.Caster, body any, args []reflect.Value) error {
	switch len(s.body) {
	case 0:
		return nil
	case 1:
		idx := s.body[0]
		p := s.params[idx]
		if p.Variadic {
			if _, ok := body.([]any); !ok && body != nil {
				body = []any{body}
			}
		}
		v, err := castParam(c, body, p)
		if err != nil {
			return err
		}
		args[idx] = v
		return nil
	}

	switch b := body.(type) {
	case map[string]any:
		for _, idx := range s.body {
			p := s.params[idx]
			raw, ok := lookup(b, p.Name)
			if !ok {
				switch {
				case p.Variadic, nilable(p.Type):
					args[idx] = reflect.Zero(p.Type)
					continue
				}
				return missingField(p)
			}
			if p.Variadic {
				if _, isSeq := raw.([]any); !isSeq && raw != nil {
					raw = []any{raw}
				}
			}
			v, err := castParam(c, raw, p)
			if err != nil {
				return err
			}
			args[idx] = v
		}
		return nil

	case []any:
		pos := 0
		for _, idx := range s.body {
			p := s.params[idx]
			if p.Variadic {
				v, err := castParam(c, b[min(pos, len(b)):], p)
				if err != nil {
					return err
				}
				args[idx] = v
				pos = len(b)
				continue
			}
			if pos >= len(b) {
				return missingField(p)
			}
			v, err := castParam(c, b[pos], p)
			if err != nil {
				return err
			}
			args[idx] = v
			pos++
		}
		if pos < len(b) {
			return &contracts.CastError{
				Reason: contracts.ReasonUnknownField,
				Field:  fmt.Sprintf("[%d]", pos),
				Target: s.name,
				Value:  b[pos],
			}
		}
		return nil
	}

	return &contracts.CastError{
		Reason: contracts.ReasonIncompatible,
		Target: fmt.Sprintf("%d parameters of %s", len(s.body), s.name),
		Value:  body,
	}
}

func lookup(m map[string]any, name string) (any, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func castParam(c serialization.Caster, raw any, p Param) (reflect.Value, error) {
	v, err := c.Cast(raw, p.Type)
	if err != nil {
		var castErr *contracts.CastError
		if errors.As(err, &castErr) && castErr.Field == "" {
			castErr.Field = p.Name
		}
		return reflect.Value{}, err
	}
	return v, nil
}

func missingField(p Param) error {
	return &contracts.CastError{
		Reason: contracts.ReasonMissingField,
		Field:  p.Name,
		Target: p.Type.String(),
	}
}

func nilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface, reflect.Chan, reflect.Func:
		return true
	}
	return false
}

// call invokes the handler. A nil result value is reported as nil.
func (s *signature) call(args []reflect.Value) (any, error) {
	var out []reflect.Value
	if s.variadic {
		out = s.fn.CallSlice(args)
	} else {
		out = s.fn.Call(args)
	}

	var err error
	if s.hasError {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	if s.result == nil {
		return nil, err
	}

	r := out[0]
	if nilable(r.Type()) && r.IsNil() {
		return nil, err
	}
	return r.Interface(), err
}
