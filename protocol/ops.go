package protocol

import "reflect"

// Reply op tags, mirrored from their request tags.
const (
	OpExecuteReply    = "execute_reply"
	OpCompleteReply   = "complete_reply"
	OpInspectReply    = "inspect_reply"
	OpHistoryReply    = "history_reply"
	OpKernelInfoReply = "kernel_info_reply"
	OpShutdownReply   = "shutdown_reply"
	OpInterruptReply  = "interrupt_reply"
	OpIsCompleteReply = "is_complete_reply"
	OpCommInfoReply   = "comm_info_reply"
	OpConnectReply    = "connect_reply"
)

// opTagged is satisfied by request payloads that know their op tag.
type opTagged interface {
	RequestOp() string
}

// stampOp writes the payload's op tag into its Op field so encoders
// never depend on callers remembering to set it.
func stampOp(payload opTagged) {
	v := reflect.ValueOf(payload)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return
	}
	field := v.Elem().FieldByName("Op")
	if field.IsValid() && field.Kind() == reflect.String && field.CanSet() {
		field.SetString(payload.RequestOp())
	}
}
