// Package rpcdir packs and unpacks method descriptors: the payload a dir
// request's response carries for each method exposed by a node.
package rpcdir

import (
	"fmt"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
)

// Flag bits describing a method's calling convention.
type Flag int

const (
	FlagGetter Flag = 1 << (iota + 1)
	FlagSetter
	FlagLargeResultHint
	FlagNotCallable
)

// Signal describes one signal a method may emit, with an optional schema
// type hint for its parameter (empty means none).
type Signal struct {
	Name  string
	Param string
}

// Method is one entry of a dir response: a method's name, calling
// convention flags, schema type hints for its parameter/result, the
// minimum access level required to call it, and the signals it may emit.
type Method struct {
	Name    string
	Flags   Flag
	Param   string
	Result  string
	Access  rpcmsg.AccessLevel
	Signals []Signal
}

const (
	keyName = iota + 1
	keyFlags
	keyParam
	keyResult
	keyAccess
	keySignals
)

// Ls is the built-in "ls" method descriptor every node exposes.
var Ls = Method{Name: "ls", Param: "ils", Result: "ols", Access: rpcmsg.AccessBrowse,
	Signals: []Signal{{Name: "lsmod"}}}

// Dir is the built-in "dir" method descriptor every node exposes.
var Dir = Method{Name: "dir", Param: "idir", Result: "odir", Access: rpcmsg.AccessBrowse}

// Pack writes m as an IMap: name(1), flags(2, omitted if zero), param(3,
// omitted if empty), result(4, omitted if empty), access(5, always
// present), signals(6, omitted if empty, a Map of signal name to its
// param type hint or Null).
func Pack(p rpcio.Packer, m *Method) error {
	if _, err := p.IMapBegin(); err != nil {
		return err
	}
	if err := packIntStr(p, keyName, m.Name); err != nil {
		return err
	}
	if m.Flags != 0 {
		if _, err := p.PackInt(keyFlags); err != nil {
			return err
		}
		if _, err := p.PackInt(int64(m.Flags)); err != nil {
			return err
		}
	}
	if m.Param != "" {
		if err := packIntStr(p, keyParam, m.Param); err != nil {
			return err
		}
	}
	if m.Result != "" {
		if err := packIntStr(p, keyResult, m.Result); err != nil {
			return err
		}
	}
	if _, err := p.PackInt(keyAccess); err != nil {
		return err
	}
	if _, err := p.PackInt(int64(m.Access)); err != nil {
		return err
	}
	if len(m.Signals) > 0 {
		if _, err := p.PackInt(keySignals); err != nil {
			return err
		}
		if _, err := p.MapBegin(); err != nil {
			return err
		}
		for _, sig := range m.Signals {
			if _, err := p.PackString(sig.Name); err != nil {
				return err
			}
			if sig.Param == "" {
				if _, err := p.PackNull(); err != nil {
					return err
				}
			} else if _, err := p.PackString(sig.Param); err != nil {
				return err
			}
		}
		if _, err := p.ContainerEnd(); err != nil {
			return err
		}
	}
	_, err := p.ContainerEnd()
	return err
}

func packIntStr(p rpcio.Packer, key int, val string) error {
	if _, err := p.PackInt(int64(key)); err != nil {
		return err
	}
	_, err := p.PackString(val)
	return err
}

// Unpack decodes a Method from either the IMap form Pack produces or the
// legacy flat Map form (string keys "name", "flags", "param", "result",
// "access" or the legacy "accessGrant" string, "signals"); unrecognized
// keys are ignored. Name and a resolvable access level are required; every
// other field is optional.
//
// item may be a fresh (zero-value) Item, in which case Unpack reads the
// next value itself, or one a caller has already positioned at a Map/IMap
// (e.g. one element of a dir response's List, via rpcio.ForList) — in
// that case Unpack decodes it in place without reading again.
func Unpack(u rpcio.Unpacker, item *chainpack.Item) (*Method, error) {
	if item.Type == chainpack.TypeInvalid {
		if err := u.Unpack(item); err != nil {
			return nil, err
		}
	}
	switch item.Type {
	case chainpack.TypeIMap:
		return unpackIMap(u, item)
	case chainpack.TypeMap:
		return unpackMap(u, item)
	default:
		return nil, fmt.Errorf("rpcdir: expected Map or IMap, got %s", item.Type)
	}
}

func unpackIMap(u rpcio.Unpacker, item *chainpack.Item) (*Method, error) {
	m := &Method{}
	haveName, haveAccess := false, false
	err := rpcio.ForIMap(u, item, func(key int64, v *chainpack.Item) error {
		switch key {
		case keyName:
			if v.Type != chainpack.TypeString {
				return fmt.Errorf("rpcdir: name must be a string")
			}
			s, err := rpcio.StrDup(u, v, 0)
			if err != nil {
				return err
			}
			m.Name = s
			haveName = s != ""
			return nil
		case keyFlags:
			n, err := intValue(v)
			if err != nil {
				return fmt.Errorf("rpcdir: flags must be an integer")
			}
			m.Flags = Flag(n)
			return nil
		case keyParam:
			if v.Type != chainpack.TypeString {
				return fmt.Errorf("rpcdir: param must be a string")
			}
			s, err := rpcio.StrDup(u, v, 0)
			if err != nil {
				return err
			}
			m.Param = s
			return nil
		case keyResult:
			if v.Type != chainpack.TypeString {
				return fmt.Errorf("rpcdir: result must be a string")
			}
			s, err := rpcio.StrDup(u, v, 0)
			if err != nil {
				return err
			}
			m.Result = s
			return nil
		case keyAccess:
			n, err := intValue(v)
			if err != nil {
				return fmt.Errorf("rpcdir: access must be an integer")
			}
			m.Access = rpcmsg.AccessLevel(n)
			haveAccess = true
			return nil
		case keySignals:
			sigs, err := unpackSignals(u, v)
			if err != nil {
				return err
			}
			m.Signals = sigs
			return nil
		default:
			return rpcio.Skip(u, v)
		}
	})
	if err != nil {
		return nil, err
	}
	if !haveName {
		return nil, fmt.Errorf("rpcdir: missing name")
	}
	if !haveAccess {
		return nil, fmt.Errorf("rpcdir: missing access")
	}
	return m, nil
}

func unpackMap(u rpcio.Unpacker, item *chainpack.Item) (*Method, error) {
	m := &Method{}
	haveName, haveAccess := false, false
	err := rpcio.ForMap(u, item, func(key string, v *chainpack.Item) error {
		switch key {
		case "name":
			s, err := rpcio.StrDup(u, v, 0)
			if err != nil {
				return err
			}
			m.Name = s
			haveName = s != ""
			return nil
		case "flags":
			n, err := intValue(v)
			if err != nil {
				return fmt.Errorf("rpcdir: flags must be an integer")
			}
			m.Flags = Flag(n)
			return nil
		case "param":
			s, err := rpcio.StrDup(u, v, 0)
			if err != nil {
				return err
			}
			m.Param = s
			return nil
		case "result":
			s, err := rpcio.StrDup(u, v, 0)
			if err != nil {
				return err
			}
			m.Result = s
			return nil
		case "access":
			n, err := intValue(v)
			if err != nil {
				return fmt.Errorf("rpcdir: access must be an integer")
			}
			m.Access = rpcmsg.AccessLevel(n)
			haveAccess = true
			return nil
		case "accessGrant":
			s, err := rpcio.StrDup(u, v, 0)
			if err != nil {
				return err
			}
			lvl := rpcmsg.ParseAccessString(s)
			if lvl == rpcmsg.AccessNone && s != "bws" {
				return fmt.Errorf("rpcdir: unrecognized accessGrant %q", s)
			}
			m.Access = lvl
			haveAccess = true
			return nil
		case "signals":
			sigs, err := unpackSignals(u, v)
			if err != nil {
				return err
			}
			m.Signals = sigs
			return nil
		default:
			return rpcio.Skip(u, v)
		}
	})
	if err != nil {
		return nil, err
	}
	if !haveName {
		return nil, fmt.Errorf("rpcdir: missing name")
	}
	if !haveAccess {
		return nil, fmt.Errorf("rpcdir: missing access")
	}
	return m, nil
}

func unpackSignals(u rpcio.Unpacker, item *chainpack.Item) ([]Signal, error) {
	if item.Type != chainpack.TypeMap {
		return nil, fmt.Errorf("rpcdir: signals must be a map")
	}
	var sigs []Signal
	err := rpcio.ForMap(u, item, func(name string, v *chainpack.Item) error {
		if v.Type == chainpack.TypeNull {
			sigs = append(sigs, Signal{Name: name})
			return nil
		}
		s, err := rpcio.StrDup(u, v, 0)
		if err != nil {
			return err
		}
		sigs = append(sigs, Signal{Name: name, Param: s})
		return nil
	})
	return sigs, err
}

func intValue(item *chainpack.Item) (int64, error) {
	switch item.Type {
	case chainpack.TypeInt:
		return item.Int, nil
	case chainpack.TypeUInt:
		return int64(item.UInt), nil
	default:
		return 0, fmt.Errorf("rpcdir: expected integer, got %s", item.Type)
	}
}
