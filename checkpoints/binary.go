package checkpoints

import (
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/medvision/kvasirnet/layers"
)

// The binary format is a protobuf wire-format message:
//
//	message Checkpoint {
//	  string         magic          = 1;  // "kvasirnet-ckpt"
//	  bytes          model_spec     = 2;  // JSON encoded layers.ModelSpec
//	  repeated Weight weights       = 3;
//	  TrainingState  training_state = 4;
//	  Metadata       metadata       = 5;
//	}
//	message Weight   { string name = 1; string layer = 2; string type = 3;
//	                   repeated int64 shape = 4 [packed]; repeated fixed32 data = 5 [packed]; }
//	message TrainingState { int64 epoch = 1; int64 step = 2; fixed32 learning_rate = 3;
//	                        fixed32 best_loss = 4; fixed32 best_accuracy = 5; }
//	message Metadata { string version = 1; string framework = 2; string run_id = 3;
//	                   int64 created_unix_nano = 4; string description = 5; repeated string tags = 6; }
//
// Floats are stored as IEEE-754 bit patterns, so a round trip is exact.
const binaryMagic = "kvasirnet-ckpt"

func marshalBinary(c *Checkpoint) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, binaryMagic)

	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode model spec")
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}

	for _, w := range c.Weights {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalWeight(w))
	}

	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalState(c.TrainingState))

	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(c.Metadata))
	return b, nil
}

func marshalWeight(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, 1, w.Name)
	b = appendString(b, 2, w.Layer)
	b = appendString(b, 3, w.Type)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

func marshalState(s TrainingState) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Epoch))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Step))
	b = appendFloat(b, 3, s.LearningRate)
	b = appendFloat(b, 4, s.BestLoss)
	b = appendFloat(b, 5, s.BestAccuracy)
	return b
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	b = appendString(b, 3, m.RunID)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	b = appendString(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = appendString(b, 6, tag)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

// fieldFunc handles one decoded field and returns the bytes it consumed
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walkFields iterates over the fields of one message, skipping unknown ones
func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errors.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeFloat(typ protowire.Type, b []byte) (float32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, errors.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float32frombits(v), n, nil
}

func unmarshalBinary(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	sawMagic := false

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if string(v) != binaryMagic {
				return 0, errors.Errorf("not a checkpoint file (magic %q)", v)
			}
			sawMagic = true
			return n, nil
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var spec layers.ModelSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return 0, errors.Wrap(err, "failed to decode model spec")
			}
			c.ModelSpec = &spec
			return n, nil
		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			w, err := unmarshalWeight(v)
			if err != nil {
				return 0, err
			}
			c.Weights = append(c.Weights, w)
			return n, nil
		case 4:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			c.TrainingState, err = unmarshalState(v)
			return n, err
		case 5:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			c.Metadata, err = unmarshalMetadata(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if !sawMagic {
		return nil, errors.New("not a checkpoint file (missing header)")
	}
	return c, nil
}

func unmarshalWeight(data []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				w.Name = string(v)
			case 2:
				w.Layer = string(v)
			case 3:
				w.Type = string(v)
			}
			return n, nil
		case 4:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				w.Shape = append(w.Shape, int(d))
				v = v[m:]
			}
			return n, nil
		case 5:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if len(v)%4 != 0 {
				return 0, errors.Errorf("weight %s: data length %d not a multiple of 4", w.Name, len(v))
			}
			w.Data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				w.Data = append(w.Data, math.Float32frombits(bits))
				v = v[m:]
			}
			return n, nil
		}
		return 0, nil
	})
	return w, errors.Wrap(err, "failed to decode weight")
}

func unmarshalState(data []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2:
			v, n, err := consumeVarint(typ, b)
			if num == 1 {
				s.Epoch = int(v)
			} else {
				s.Step = int(v)
			}
			return n, err
		case 3, 4, 5:
			v, n, err := consumeFloat(typ, b)
			switch num {
			case 3:
				s.LearningRate = v
			case 4:
				s.BestLoss = v
			case 5:
				s.BestAccuracy = v
			}
			return n, err
		}
		return 0, nil
	})
	return s, errors.Wrap(err, "failed to decode training state")
}

func unmarshalMetadata(data []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 4 {
			v, n, err := consumeVarint(typ, b)
			m.CreatedAt = time.Unix(0, int64(v))
			return n, err
		}
		if num < 1 || num > 6 {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			m.Version = string(v)
		case 2:
			m.Framework = string(v)
		case 3:
			m.RunID = string(v)
		case 5:
			m.Description = string(v)
		case 6:
			m.Tags = append(m.Tags, string(v))
		}
		return n, nil
	})
	return m, errors.Wrap(err, "failed to decode metadata")
}
