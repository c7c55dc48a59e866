package collab

import (
	"fmt"
	"strconv"
)

type CollabType int

const (
	TypeDocument CollabType = iota
	TypeDatabase
	TypeWorkspaceDatabase
	TypeFolder
	TypeDatabaseRow
	TypeUserAwareness
	TypeUnknown
)

var collabTypeNames = map[CollabType]string{
	TypeDocument:          "document",
	TypeDatabase:          "database",
	TypeWorkspaceDatabase: "workspace_database",
	TypeFolder:            "folder",
	TypeDatabaseRow:       "database_row",
	TypeUserAwareness:     "user_awareness",
	TypeUnknown:           "unknown",
}

// requiredKeys lists the root entry each type must carry to be usable.
var requiredKeys = map[CollabType]string{
	TypeDocument:          "document",
	TypeDatabase:          "database",
	TypeWorkspaceDatabase: "databases",
	TypeFolder:            "folder",
	TypeDatabaseRow:       "database_row",
	TypeUserAwareness:     "user_awareness",
}

func (t CollabType) String() string {
	if name, ok := collabTypeNames[t]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// RequiredKey returns the root key the type requires, if any.
func (t CollabType) RequiredKey() (string, bool) {
	k, ok := requiredKeys[t]
	return k, ok
}

// ValidateRequireData checks that c holds the root entry its type requires.
func (t CollabType) ValidateRequireData(c *Collab) error {
	key, ok := t.RequiredKey()
	if !ok {
		return nil
	}
	if _, present := c.Get(key); !present {
		return fmt.Errorf("%s %s is missing required key %q", t, c.ObjectID(), key)
	}
	return nil
}

func ParseCollabType(s string) (CollabType, error) {
	for t, name := range collabTypeNames {
		if name == s {
			return t, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := collabTypeNames[CollabType(n)]; ok {
			return CollabType(n), nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown collab type %q", s)
}

type OriginKind uint8

const (
	OriginEmpty OriginKind = iota
	OriginServer
	OriginClient
)

// Origin identifies where a change came from.
type Origin struct {
	Kind     OriginKind `msgpack:"kind" json:"kind"`
	UID      int64      `msgpack:"uid,omitempty" json:"uid,omitempty"`
	DeviceID string     `msgpack:"device_id,omitempty" json:"device_id,omitempty"`
}

var (
	ServerOrigin = Origin{Kind: OriginServer}
	EmptyOrigin  = Origin{Kind: OriginEmpty}
)

func ClientOrigin(uid int64, deviceID string) Origin {
	return Origin{Kind: OriginClient, UID: uid, DeviceID: deviceID}
}

// ClientKey is the writer id stamped on entries produced by this origin.
func (o Origin) ClientKey() string {
	switch o.Kind {
	case OriginClient:
		return strconv.FormatInt(o.UID, 10) + ":" + o.DeviceID
	case OriginServer:
		return "server"
	default:
		return ""
	}
}

func (o Origin) String() string {
	switch o.Kind {
	case OriginClient:
		return fmt.Sprintf("client(uid:%d,device:%s)", o.UID, o.DeviceID)
	case OriginServer:
		return "server"
	default:
		return "empty"
	}
}
