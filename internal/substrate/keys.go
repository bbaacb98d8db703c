package substrate

import "fmt"

// Key builders for every substrate key named in spec.md §6. Centralizing
// these avoids the classic distributed-systems bug where two components
// format the same logical key two different ways.

func SimConfigKey(sessionID string) string   { return fmt.Sprintf("sim:config:%s", sessionID) }
func SimStateKey(sessionID string) string    { return fmt.Sprintf("sim:state:%s", sessionID) }
func SimLeaseKey(sessionID string) string    { return fmt.Sprintf("sim:lease:%s", sessionID) }
func FramesChannel(sessionID string) string  { return fmt.Sprintf("frames:%s", sessionID) }
func FramesStream(sessionID string) string   { return fmt.Sprintf("frames:stream:%s", sessionID) }
func ExecChannel(sessionID string) string    { return fmt.Sprintf("exec:%s", sessionID) }

func SignalingRoomsKey() string                { return "signaling:rooms" }
func SignalingRoomMembersKey(room string) string { return fmt.Sprintf("signaling:rooms:%s:members", room) }
func SignalingClientKey(clientID string) string  { return fmt.Sprintf("signaling:clients:%s", clientID) }
func SignalingRelayChannel() string              { return "signaling:relay" }
func SignalingServerKey(nodeID string) string    { return fmt.Sprintf("signaling:servers:%s", nodeID) }

func DocKey(docID string) string          { return fmt.Sprintf("docs:%s", docID) }
func AwarenessChannel(docID string) string { return fmt.Sprintf("awareness:%s", docID) }

func RateLimitKey(subject, class string) string { return fmt.Sprintf("rl:%s:%s", subject, class) }
func RevokedKey(jti string) string              { return fmt.Sprintf("revoked:%s", jti) }
func CacheKey(route, key string) string         { return fmt.Sprintf("cache:%s:%s", route, key) }
