package proto

import "strconv"

// AppendMsg appends a MSG delivery frame to dst:
// MSG <subject> <sid> <#bytes>\r\n<payload>\r\n
func AppendMsg(dst []byte, subject, sid string, payload []byte) []byte {
	dst = append(dst, "MSG "...)
	dst = append(dst, subject...)
	dst = append(dst, ' ')
	dst = append(dst, sid...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, '\r', '\n')
	dst = append(dst, payload...)
	dst = append(dst, '\r', '\n')
	return dst
}

// MsgFrameLen is the exact length AppendMsg will produce, for sizing
// pooled buffers.
func MsgFrameLen(subject, sid string, payloadLen int) int {
	return len("MSG ") + len(subject) + 1 + len(sid) + 1 +
		lenBase10(payloadLen) + 2 + payloadLen + 2
}

func lenBase10(n int) int {
	if n == 0 {
		return 1
	}
	l := 0
	for ; n > 0; n /= 10 {
		l++
	}
	return l
}
