package icrypto

import (
	"encoding/binary"
)

const (
	aadItemKey     = "ITEMKEY"
	aadItemContent = "ITEMCONTENT"
	aadUserMaster  = "USERMASTER"
	aadTokenVault  = "TOKENVAULT"
	aadTempMaster  = "TEMPMASTER"
	aadSession     = "SESSION"
)

// AADItemKeyWrap binds a wrapped data key to the row that owns it so that a
// wrapped key copied onto another row fails to unwrap.
func AADItemKeyWrap(table, itemID string, ver int) []byte {
	return buildAAD(aadItemKey, table, itemID, ver)
}

func AADItemContent(table, itemID, field string, ver int) []byte {
	return buildAAD(aadItemContent, table, itemID, field, ver)
}

func AADUserMasterPass(userID string, ver int) []byte {
	return buildAAD(aadUserMaster, userID, ver)
}

func AADTokenVault(tokenID string, ver int) []byte {
	return buildAAD(aadTokenVault, tokenID, ver)
}

func AADTempMaster(tokenID string, ver int) []byte {
	return buildAAD(aadTempMaster, tokenID, ver)
}

func AADSessionVault(sessionID string, epoch uint64) []byte {
	return buildAAD(aadSession, sessionID, epoch)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, uint64(v))
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
