package hummock

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/freshet-io/freshet/pkg/types"
)

// Hand-rolled protowire encoding for the structures that persist to
// object storage or cross the meta RPC surface. Field numbers are part of
// the on-disk format and must never be reused.

// MarshalSstableInfo encodes s
func MarshalSstableInfo(buf []byte, s *SstableInfo) []byte {
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, s.ObjectID)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, s.KeyRange.Left)
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, s.KeyRange.Right)
	buf = protowire.AppendTag(buf, 4, protowire.VarintType)
	buf = protowire.AppendVarint(buf, s.FileSize)
	for _, id := range s.TableIDs {
		buf = protowire.AppendTag(buf, 5, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(id))
	}
	buf = protowire.AppendTag(buf, 6, protowire.VarintType)
	buf = protowire.AppendVarint(buf, s.UncompressedSize)
	buf = protowire.AppendTag(buf, 7, protowire.VarintType)
	buf = protowire.AppendVarint(buf, s.TotalKeyCount)
	buf = protowire.AppendTag(buf, 8, protowire.VarintType)
	buf = protowire.AppendVarint(buf, s.StaleKeyCount)
	return buf
}

// UnmarshalSstableInfo decodes one SstableInfo message
func UnmarshalSstableInfo(buf []byte) (*SstableInfo, error) {
	s := &SstableInfo{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("sstable info: bad tag")
		}
		buf = buf[n:]
		switch num {
		case 1, 4, 5, 6, 7, 8:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("sstable info: bad varint for field %d", num)
			}
			buf = buf[n:]
			switch num {
			case 1:
				s.ObjectID = v
			case 4:
				s.FileSize = v
			case 5:
				s.TableIDs = append(s.TableIDs, uint32(v))
			case 6:
				s.UncompressedSize = v
			case 7:
				s.TotalKeyCount = v
			case 8:
				s.StaleKeyCount = v
			}
		case 2, 3:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("sstable info: bad bytes for field %d", num)
			}
			buf = buf[n:]
			cp := append([]byte(nil), v...)
			if num == 2 {
				s.KeyRange.Left = cp
			} else {
				s.KeyRange.Right = cp
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("sstable info: bad field %d", num)
			}
			buf = buf[n:]
		}
	}
	return s, nil
}

func marshalLevel(buf []byte, l *Level) []byte {
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(l.LevelIdx))
	for i := range l.SSTs {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, MarshalSstableInfo(nil, &l.SSTs[i]))
	}
	return buf
}

func unmarshalLevel(buf []byte) (Level, error) {
	var l Level
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return l, fmt.Errorf("level: bad tag")
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return l, fmt.Errorf("level: bad index")
			}
			l.LevelIdx = uint32(v)
			buf = buf[n:]
		case 2:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return l, fmt.Errorf("level: bad sst")
			}
			buf = buf[n:]
			sst, err := UnmarshalSstableInfo(v)
			if err != nil {
				return l, err
			}
			l.SSTs = append(l.SSTs, *sst)
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return l, fmt.Errorf("level: bad field %d", num)
			}
			buf = buf[n:]
		}
	}
	return l, nil
}

func marshalLevelSet(buf []byte, ls *LevelSet) []byte {
	for i := range ls.L0 {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalLevel(nil, &ls.L0[i]))
	}
	for i := range ls.Levels {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalLevel(nil, &ls.Levels[i]))
	}
	return buf
}

func unmarshalLevelSet(buf []byte) (*LevelSet, error) {
	ls := &LevelSet{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("level set: bad tag")
		}
		buf = buf[n:]
		switch num {
		case 1, 2:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("level set: bad level")
			}
			buf = buf[n:]
			lvl, err := unmarshalLevel(v)
			if err != nil {
				return nil, err
			}
			if num == 1 {
				ls.L0 = append(ls.L0, lvl)
			} else {
				ls.Levels = append(ls.Levels, lvl)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("level set: bad field %d", num)
			}
			buf = buf[n:]
		}
	}
	return ls, nil
}

// MarshalVersion encodes a full version snapshot
func MarshalVersion(buf []byte, v *Version) []byte {
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, v.ID)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(v.MaxCommittedEpoch))
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(v.SafeEpoch))
	for id, ls := range v.Groups {
		var g []byte
		g = protowire.AppendTag(g, 1, protowire.VarintType)
		g = protowire.AppendVarint(g, uint64(id))
		g = protowire.AppendTag(g, 2, protowire.BytesType)
		g = protowire.AppendBytes(g, marshalLevelSet(nil, ls))
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendBytes(buf, g)
	}
	return buf
}

// UnmarshalVersion decodes a version snapshot
func UnmarshalVersion(buf []byte) (*Version, error) {
	v := &Version{Groups: make(map[CompactionGroupID]*LevelSet)}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("version: bad tag")
		}
		buf = buf[n:]
		switch num {
		case 1, 2, 3:
			val, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("version: bad varint")
			}
			buf = buf[n:]
			switch num {
			case 1:
				v.ID = val
			case 2:
				v.MaxCommittedEpoch = types.Epoch(val)
			case 3:
				v.SafeEpoch = types.Epoch(val)
			}
		case 4:
			g, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("version: bad group")
			}
			buf = buf[n:]
			id, ls, err := unmarshalGroup(g)
			if err != nil {
				return nil, err
			}
			v.Groups[id] = ls
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("version: bad field %d", num)
			}
			buf = buf[n:]
		}
	}
	return v, nil
}

func unmarshalGroup(buf []byte) (CompactionGroupID, *LevelSet, error) {
	var id CompactionGroupID
	ls := &LevelSet{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return 0, nil, fmt.Errorf("group: bad tag")
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, nil, fmt.Errorf("group: bad id")
			}
			id = CompactionGroupID(v)
			buf = buf[n:]
		case 2:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return 0, nil, fmt.Errorf("group: bad level set")
			}
			buf = buf[n:]
			parsed, err := unmarshalLevelSet(v)
			if err != nil {
				return 0, nil, err
			}
			ls = parsed
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return 0, nil, fmt.Errorf("group: bad field %d", num)
			}
			buf = buf[n:]
		}
	}
	return id, ls, nil
}
