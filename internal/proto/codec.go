package proto

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MarshalInfo encodes the version characteristic payload.
func MarshalInfo(info *Info) []byte {
	return appendVarintField(nil, 1, uint64(info.Version))
}

// UnmarshalInfo decodes the version characteristic payload.
func UnmarshalInfo(data []byte) (*Info, error) {
	info := &Info{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeVarint(num, typ, b)
		info.Version = uint32(v)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("proto: info: %w", err)
	}
	return info, nil
}

// MarshalRequest encodes a control-point request.
func MarshalRequest(req *Request) ([]byte, error) {
	buf := appendVarintField(nil, 1, uint64(req.OpCode))
	if req.ScanParams != nil {
		buf = appendBytesField(buf, 10, marshalScanParams(req.ScanParams))
	}
	if req.Config != nil {
		cfg, err := MarshalWifiConfig(req.Config)
		if err != nil {
			return nil, err
		}
		buf = appendBytesField(buf, 11, cfg)
	}
	return buf, nil
}

// UnmarshalRequest decodes a control-point request.
func UnmarshalRequest(data []byte) (*Request, error) {
	req := &Request{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			req.OpCode = OpCode(v)
			return n, err
		case 10:
			return consumeMessage(num, typ, b, func(m []byte) (err error) {
				req.ScanParams, err = unmarshalScanParams(m)
				return err
			})
		case 11:
			return consumeMessage(num, typ, b, func(m []byte) (err error) {
				req.Config, err = UnmarshalWifiConfig(m)
				return err
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("proto: request: %w", err)
	}
	return req, nil
}

// MarshalResponse encodes a control-point response.
func MarshalResponse(resp *Response) ([]byte, error) {
	buf := appendVarintField(nil, 1, uint64(resp.RequestOpCode))
	buf = appendVarintField(buf, 2, uint64(resp.Status))
	if resp.DeviceStatus != nil {
		st, err := marshalDeviceStatus(resp.DeviceStatus)
		if err != nil {
			return nil, err
		}
		buf = appendBytesField(buf, 10, st)
	}
	return buf, nil
}

// UnmarshalResponse decodes a control-point response.
func UnmarshalResponse(data []byte) (*Response, error) {
	resp := &Response{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			resp.RequestOpCode = OpCode(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(num, typ, b)
			resp.Status = Status(v)
			return n, err
		case 10:
			return consumeMessage(num, typ, b, func(m []byte) (err error) {
				resp.DeviceStatus, err = unmarshalDeviceStatus(m)
				return err
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("proto: response: %w", err)
	}
	return resp, nil
}

// MarshalResult encodes a data-out notification.
func MarshalResult(res *Result) ([]byte, error) {
	var buf []byte
	if res.ScanRecord != nil {
		rec, err := marshalScanRecord(res.ScanRecord)
		if err != nil {
			return nil, err
		}
		buf = appendBytesField(buf, 1, rec)
	}
	if res.State != nil {
		buf = appendVarintField(buf, 2, uint64(*res.State))
	}
	if res.Reason != nil {
		buf = appendVarintField(buf, 3, uint64(*res.Reason))
	}
	return buf, nil
}

// UnmarshalResult decodes a data-out notification.
func UnmarshalResult(data []byte) (*Result, error) {
	res := &Result{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(num, typ, b, func(m []byte) (err error) {
				res.ScanRecord, err = unmarshalScanRecord(m)
				return err
			})
		case 2:
			v, n, err := consumeVarint(num, typ, b)
			res.State = Ptr(ConnectionState(v))
			return n, err
		case 3:
			v, n, err := consumeVarint(num, typ, b)
			res.Reason = Ptr(decodeReason(v))
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("proto: result: %w", err)
	}
	return res, nil
}

// MarshalWifiConfig encodes the credentials of a set_config request. The
// SoftAP configure endpoint takes the same encoding as its body.
func MarshalWifiConfig(cfg *WifiConfig) ([]byte, error) {
	var buf []byte
	if cfg.Wifi != nil {
		info, err := marshalWifiInfo(cfg.Wifi)
		if err != nil {
			return nil, err
		}
		buf = appendBytesField(buf, 1, info)
	}
	if cfg.Passphrase != nil {
		buf = appendBytesField(buf, 2, cfg.Passphrase)
	}
	if cfg.Volatile != nil {
		buf = appendVarintField(buf, 3, protowire.EncodeBool(*cfg.Volatile))
	}
	return buf, nil
}

// UnmarshalWifiConfig decodes a WifiConfig message.
func UnmarshalWifiConfig(data []byte) (*WifiConfig, error) {
	cfg := &WifiConfig{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(num, typ, b, func(m []byte) (err error) {
				cfg.Wifi, err = unmarshalWifiInfo(m)
				return err
			})
		case 2:
			v, n, err := consumeBytes(num, typ, b)
			cfg.Passphrase = v
			return n, err
		case 3:
			v, n, err := consumeVarint(num, typ, b)
			cfg.Volatile = Ptr(protowire.DecodeBool(v))
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// MarshalScanResults encodes the SoftAP networks list.
func MarshalScanResults(sr *ScanResults) ([]byte, error) {
	var buf []byte
	for i := range sr.Results {
		rec, err := marshalScanRecord(&sr.Results[i])
		if err != nil {
			return nil, err
		}
		buf = appendBytesField(buf, 1, rec)
	}
	return buf, nil
}

// UnmarshalScanResults decodes the SoftAP networks list.
func UnmarshalScanResults(data []byte) (*ScanResults, error) {
	sr := &ScanResults{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		return consumeMessage(num, typ, b, func(m []byte) error {
			rec, err := unmarshalScanRecord(m)
			if err != nil {
				return err
			}
			sr.Results = append(sr.Results, *rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("proto: scan results: %w", err)
	}
	return sr, nil
}

func marshalWifiInfo(w *WifiInfo) ([]byte, error) {
	if len(w.BSSID) != 6 {
		return nil, fmt.Errorf("proto: bssid must be 6 bytes, got %d", len(w.BSSID))
	}
	buf := appendBytesField(nil, 1, w.SSID)
	buf = appendBytesField(buf, 2, w.BSSID)
	if w.Band != nil {
		buf = appendVarintField(buf, 3, uint64(*w.Band))
	}
	buf = appendVarintField(buf, 4, uint64(w.Channel))
	if w.Auth != nil {
		buf = appendVarintField(buf, 5, uint64(*w.Auth))
	}
	return buf, nil
}

func unmarshalWifiInfo(data []byte) (*WifiInfo, error) {
	w := &WifiInfo{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(num, typ, b)
			w.SSID = v
			return n, err
		case 2:
			v, n, err := consumeBytes(num, typ, b)
			w.BSSID = v
			return n, err
		case 3:
			v, n, err := consumeVarint(num, typ, b)
			w.Band = Ptr(Band(v))
			return n, err
		case 4:
			v, n, err := consumeVarint(num, typ, b)
			w.Channel = uint32(v)
			return n, err
		case 5:
			v, n, err := consumeVarint(num, typ, b)
			w.Auth = Ptr(AuthMode(v))
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func marshalScanRecord(r *ScanRecord) ([]byte, error) {
	var buf []byte
	if r.Wifi != nil {
		info, err := marshalWifiInfo(r.Wifi)
		if err != nil {
			return nil, err
		}
		buf = appendBytesField(buf, 1, info)
	}
	if r.RSSI != nil {
		buf = appendVarintField(buf, 2, uint64(int64(*r.RSSI)))
	}
	return buf, nil
}

func unmarshalScanRecord(data []byte) (*ScanRecord, error) {
	r := &ScanRecord{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(num, typ, b, func(m []byte) (err error) {
				r.Wifi, err = unmarshalWifiInfo(m)
				return err
			})
		case 2:
			v, n, err := consumeVarint(num, typ, b)
			r.RSSI = Ptr(int32(int64(v)))
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func marshalScanParams(p *ScanParams) []byte {
	var buf []byte
	if p.Band != nil {
		buf = appendVarintField(buf, 1, uint64(*p.Band))
	}
	if p.Passive != nil {
		buf = appendVarintField(buf, 2, protowire.EncodeBool(*p.Passive))
	}
	if p.PeriodMS != nil {
		buf = appendVarintField(buf, 3, uint64(*p.PeriodMS))
	}
	if p.GroupChannels != nil {
		buf = appendVarintField(buf, 4, uint64(*p.GroupChannels))
	}
	return buf
}

func unmarshalScanParams(data []byte) (*ScanParams, error) {
	p := &ScanParams{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			p.Band = Ptr(Band(v))
			return n, err
		case 2:
			v, n, err := consumeVarint(num, typ, b)
			p.Passive = Ptr(protowire.DecodeBool(v))
			return n, err
		case 3:
			v, n, err := consumeVarint(num, typ, b)
			p.PeriodMS = Ptr(uint32(v))
			return n, err
		case 4:
			v, n, err := consumeVarint(num, typ, b)
			p.GroupChannels = Ptr(uint32(v))
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func marshalDeviceStatus(s *DeviceStatus) ([]byte, error) {
	var buf []byte
	if s.State != nil {
		buf = appendVarintField(buf, 1, uint64(*s.State))
	}
	if s.ProvisioningInfo != nil {
		info, err := marshalWifiInfo(s.ProvisioningInfo)
		if err != nil {
			return nil, err
		}
		buf = appendBytesField(buf, 2, info)
	}
	if s.ConnectionInfo != nil {
		buf = appendBytesField(buf, 3, appendBytesField(nil, 1, s.ConnectionInfo.IP4Addr))
	}
	if s.ScanInfo != nil {
		buf = appendBytesField(buf, 4, marshalScanParams(s.ScanInfo))
	}
	return buf, nil
}

func unmarshalDeviceStatus(data []byte) (*DeviceStatus, error) {
	s := &DeviceStatus{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			s.State = Ptr(ConnectionState(v))
			return n, err
		case 2:
			return consumeMessage(num, typ, b, func(m []byte) (err error) {
				s.ProvisioningInfo, err = unmarshalWifiInfo(m)
				return err
			})
		case 3:
			return consumeMessage(num, typ, b, func(m []byte) error {
				ci := &ConnectionInfo{}
				err := walk(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num != 1 {
						return 0, nil
					}
					v, n, err := consumeBytes(num, typ, b)
					ci.IP4Addr = v
					return n, err
				})
				s.ConnectionInfo = ci
				return err
			})
		case 4:
			return consumeMessage(num, typ, b, func(m []byte) (err error) {
				s.ScanInfo, err = unmarshalScanParams(m)
				return err
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// walk iterates the fields of one message. fn returns the number of bytes it
// consumed from b; returning 0 skips the field.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("reading tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(m))
			}
		}
		data = data[m:]
	}
	return nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("field %d: wire type %d, want varint", num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
	}
	return v, n, nil
}

// consumeBytes copies the value out so decoded messages never alias a
// notification buffer the transport may reuse.
func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("field %d: wire type %d, want bytes", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
	}
	return bytes.Clone(v), n, nil
}

func consumeMessage(num protowire.Number, typ protowire.Type, b []byte, decode func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("field %d: wire type %d, want message", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
	}
	if err := decode(v); err != nil {
		return 0, fmt.Errorf("field %d: %w", num, err)
	}
	return n, nil
}

func appendVarintField(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

func appendBytesField(buf []byte, num protowire.Number, v []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, v)
}
