package eventstore

import (
	"encoding/json"

	"github.com/go-conductor/conductor/runtime/scheme"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Marshaller converts event payloads to and from their stored representation.
// Payload types must be registered in the scheme registry, decoding resolves the
// concrete go type by the stored kind so handlers can type-assert the payload.
type Marshaller interface {
	Marshal(obj scheme.Object) ([]byte, error)
	Unmarshal(name string, data []byte) (scheme.Object, error)
	// Kind resolves the registered group/kind identifier for obj
	Kind(obj scheme.Object) (string, error)
}

func NewJSONMarshaller(knownTypes scheme.KnownTypesRegistry) Marshaller {
	return &jsonMarshaller{knownTypes: knownTypes}
}

type jsonMarshaller struct {
	knownTypes scheme.KnownTypesRegistry
}

func (j jsonMarshaller) Marshal(obj scheme.Object) ([]byte, error) {
	gk, err := j.knownTypes.ObjectKind(obj)

	if err != nil {
		return nil, errors.Wrap(err, "resolving object kind before marshaling")
	}

	obj.SetGroupKind(gk)

	b, err := json.Marshal(obj)

	if err != nil {
		return nil, errors.Wrapf(err, "marshaling payload %s", gk.String())
	}

	return b, nil
}

func (j jsonMarshaller) Unmarshal(name string, data []byte) (scheme.Object, error) {
	payload, err := j.knownTypes.NewObject(scheme.ParseGroupKind(name))

	if err != nil {
		return nil, errors.Wrapf(err, "decoding payload %s", name)
	}

	var raw map[string]interface{}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "unmarshaling payload %s", name)
	}

	decoderConf := mapstructure.DecoderConfig{
		Squash:  true,
		TagName: "json",
		Result:  payload,
	}

	decoder, err := mapstructure.NewDecoder(&decoderConf)

	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrapf(err, "decoding payload %s into %T", name, payload)
	}

	return payload, nil
}

func (j jsonMarshaller) Kind(obj scheme.Object) (string, error) {
	gk, err := j.knownTypes.ObjectKind(obj)

	if err != nil {
		return "", errors.WithStack(err)
	}

	// keep the payload self-describing for downstream serializers
	obj.SetGroupKind(gk)

	return gk.String(), nil
}
