package config

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/cpon"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
)

// LoadCPON loads broker configuration from a CPON document, the SHV-native
// alternative to the YAML loader. The document's top-level value must be a
// Map whose keys match Config's mapstructure tags (name, listen, users,
// roles, autosetups, logging, metrics).
func LoadCPON(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return DecodeCPON(f)
}

// DecodeCPON reads one CPON document from r and decodes it into a Config.
func DecodeCPON(r io.Reader) (*Config, error) {
	reader, err := cpon.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("config: cpon: %w", err)
	}
	var item chainpack.Item
	if err := reader.Unpack(&item); err != nil {
		return nil, fmt.Errorf("config: cpon: %w", err)
	}
	raw, err := decodeValue(reader, &item)
	if err != nil {
		return nil, fmt.Errorf("config: cpon: %w", err)
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, fmt.Errorf("config: decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveCPON writes cfg as a CPON document to path.
func SaveCPON(cfg *Config, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	return EncodeCPON(cfg, f)
}

// EncodeCPON writes cfg as a CPON document to w. Only name, listen, users
// and roles are written; autosetups, logging, metrics, shutdown_timeout and
// max_message_size are not.
func EncodeCPON(cfg *Config, w io.Writer) error {
	p := cpon.NewWriter(w)
	if _, err := p.MapBegin(); err != nil {
		return err
	}
	writeStr(p, "name", cfg.Name)
	writeStrList(p, "listen", cfg.Listen)

	if _, err := p.PackString("users"); err != nil {
		return err
	}
	if _, err := p.MapBegin(); err != nil {
		return err
	}
	for name, u := range cfg.Users {
		if _, err := p.PackString(name); err != nil {
			return err
		}
		if _, err := p.MapBegin(); err != nil {
			return err
		}
		if u.Password != "" {
			writeStr(p, "password", u.Password)
		}
		if u.ShaPass != "" {
			writeStr(p, "shapass", u.ShaPass)
		}
		writeStr(p, "role", u.Role)
		if _, err := p.ContainerEnd(); err != nil {
			return err
		}
	}
	if _, err := p.ContainerEnd(); err != nil {
		return err
	}

	if _, err := p.PackString("roles"); err != nil {
		return err
	}
	if _, err := p.MapBegin(); err != nil {
		return err
	}
	for name, r := range cfg.Roles {
		if _, err := p.PackString(name); err != nil {
			return err
		}
		if _, err := p.MapBegin(); err != nil {
			return err
		}
		if _, err := p.PackString("access"); err != nil {
			return err
		}
		if _, err := p.MapBegin(); err != nil {
			return err
		}
		for level, ris := range r.Access {
			writeStrList(p, level, ris)
		}
		if _, err := p.ContainerEnd(); err != nil {
			return err
		}
		if len(r.MountPoints) > 0 {
			writeStrList(p, "mount_points", r.MountPoints)
		}
		if len(r.Subscriptions) > 0 {
			writeStrList(p, "subscriptions", r.Subscriptions)
		}
		if _, err := p.ContainerEnd(); err != nil {
			return err
		}
	}
	if _, err := p.ContainerEnd(); err != nil {
		return err
	}

	if _, err := p.ContainerEnd(); err != nil { // closes top-level map
		return err
	}
	return nil
}

func writeStr(p *cpon.Writer, key, val string) error {
	if _, err := p.PackString(key); err != nil {
		return err
	}
	_, err := p.PackString(val)
	return err
}

func writeStrList(p *cpon.Writer, key string, vals []string) error {
	if _, err := p.PackString(key); err != nil {
		return err
	}
	if _, err := p.ListBegin(); err != nil {
		return err
	}
	for _, v := range vals {
		if _, err := p.PackString(v); err != nil {
			return err
		}
	}
	_, err := p.ContainerEnd()
	return err
}

// decodeValue turns the item currently held by reader into a plain Go
// value (nil, bool, int64, uint64, float64, chainpack.Decimal,
// chainpack.DateTime, string, []byte, []any or map[string]any), recursing through containers via the generic facade so
// this package never has to special-case ChainPack vs CPON.
func decodeValue(u rpcio.Unpacker, item *chainpack.Item) (any, error) {
	switch item.Type {
	case chainpack.TypeNull:
		return nil, nil
	case chainpack.TypeBool:
		return item.Bool, nil
	case chainpack.TypeInt:
		return item.Int, nil
	case chainpack.TypeUInt:
		return item.UInt, nil
	case chainpack.TypeDouble:
		return item.Double, nil
	case chainpack.TypeDecimal:
		return item.Decimal, nil
	case chainpack.TypeDateTime:
		return item.DateTime, nil
	case chainpack.TypeString:
		return rpcio.StrDup(u, item, 0)
	case chainpack.TypeBlob:
		return rpcio.MemDup(u, item, 0)
	case chainpack.TypeMeta:
		// Config documents carry no meta; skip it and decode the value it
		// decorates.
		if err := rpcio.Skip(u, item); err != nil {
			return nil, err
		}
		if err := u.Unpack(item); err != nil {
			return nil, err
		}
		return decodeValue(u, item)
	case chainpack.TypeList:
		var list []any
		err := rpcio.ForList(u, item, func(it *chainpack.Item) error {
			v, err := decodeValue(u, it)
			if err != nil {
				return err
			}
			list = append(list, v)
			return nil
		})
		return list, err
	case chainpack.TypeMap:
		m := map[string]any{}
		err := rpcio.ForMap(u, item, func(key string, val *chainpack.Item) error {
			v, err := decodeValue(u, val)
			if err != nil {
				return err
			}
			m[key] = v
			return nil
		})
		return m, err
	case chainpack.TypeIMap:
		m := map[string]any{}
		err := rpcio.ForIMap(u, item, func(key int64, val *chainpack.Item) error {
			v, err := decodeValue(u, val)
			if err != nil {
				return err
			}
			m[fmt.Sprint(key)] = v
			return nil
		})
		return m, err
	case chainpack.TypeInvalid:
		return nil, item.ErrorKind
	default:
		return nil, fmt.Errorf("config: unexpected item type %s", item.Type)
	}
}
