package telemetry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const roomKeyPrefix = "device_"

var ErrInvalidRoomKey = errors.New("invalid room key")

// RoomKey addresses one instrument stream: a sub-device behind a device.
type RoomKey struct {
	DeviceID    int64 `json:"deviceId"`
	SubDeviceID int64 `json:"subDeviceId"`
}

func KeyOf(r Result) RoomKey {
	return RoomKey{DeviceID: r.DeviceID, SubDeviceID: r.SubDeviceID}
}

// String encodes the key as device_<deviceId>_<subDeviceId>.
func (k RoomKey) String() string {
	return roomKeyPrefix + strconv.FormatInt(k.DeviceID, 10) + "_" + strconv.FormatInt(k.SubDeviceID, 10)
}

func ParseRoomKey(s string) (RoomKey, error) {
	const fn = "ParseRoomKey"
	rest, ok := strings.CutPrefix(s, roomKeyPrefix)
	if !ok {
		return RoomKey{}, fmt.Errorf("%s:%w: %q", fn, ErrInvalidRoomKey, s)
	}
	device, sub, ok := strings.Cut(rest, "_")
	if !ok {
		return RoomKey{}, fmt.Errorf("%s:%w: %q", fn, ErrInvalidRoomKey, s)
	}
	deviceID, err := strconv.ParseInt(device, 10, 64)
	if err != nil {
		return RoomKey{}, fmt.Errorf("%s:%w:%w", fn, ErrInvalidRoomKey, err)
	}
	subDeviceID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return RoomKey{}, fmt.Errorf("%s:%w:%w", fn, ErrInvalidRoomKey, err)
	}
	return RoomKey{DeviceID: deviceID, SubDeviceID: subDeviceID}, nil
}
