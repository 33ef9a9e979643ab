package dimse

import "fmt"

// Request is one DIMSE operation. Its dynamic type is exactly one of
// EchoRequest, StoreRequest or UnsupportedRequest.
type Request interface {
	requestID() uint16
	commandField() uint16
	abstractSyntax() string
}

// EchoRequest is a C-ECHO-RQ.
type EchoRequest struct {
	MessageID uint16
}

// StoreRequest is a C-STORE-RQ. Dataset holds the data set encoded in
// TransferSyntax, without Part 10 preamble or file meta.
type StoreRequest struct {
	MessageID      uint16
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Priority       uint16
	Dataset        []byte
}

// UnsupportedRequest is any request this node does not implement.
type UnsupportedRequest struct {
	MessageID    uint16
	CommandField uint16
	SOPClassUID  string
}

func (r EchoRequest) requestID() uint16    { return r.MessageID }
func (EchoRequest) commandField() uint16   { return CEchoRQ }
func (EchoRequest) abstractSyntax() string { return VerificationSOPClass }

func (r StoreRequest) requestID() uint16      { return r.MessageID }
func (StoreRequest) commandField() uint16     { return CStoreRQ }
func (r StoreRequest) abstractSyntax() string { return r.SOPClassUID }

func (r UnsupportedRequest) requestID() uint16      { return r.MessageID }
func (r UnsupportedRequest) commandField() uint16   { return r.CommandField }
func (r UnsupportedRequest) abstractSyntax() string { return r.SOPClassUID }

// Response is the answer to one request, correlated by MessageID.
type Response struct {
	MessageID      uint16
	CommandField   uint16
	SOPClassUID    string
	SOPInstanceUID string
	Status         Status
	ErrorComment   string
}

func responseFromCommand(cmd *Command) Response {
	return Response{
		MessageID:      cmd.MessageIDBeingRespondedTo,
		CommandField:   cmd.CommandField,
		SOPClassUID:    cmd.AffectedSOPClassUID,
		SOPInstanceUID: cmd.AffectedSOPInstanceUID,
		Status:         cmd.Status,
		ErrorComment:   cmd.ErrorComment,
	}
}

// operationName is used for log fields and metric labels.
func operationName(req Request) string {
	switch r := req.(type) {
	case EchoRequest:
		return "c-echo"
	case StoreRequest:
		return "c-store"
	case UnsupportedRequest:
		return fmt.Sprintf("unsupported(0x%04x)", r.CommandField)
	default:
		return "unknown"
	}
}

// classify maps a reassembled inbound message to its request variant.
func classify(msg *message, transferSyntax string) Request {
	cmd := msg.Command
	switch cmd.CommandField {
	case CEchoRQ:
		return EchoRequest{MessageID: cmd.MessageID}
	case CStoreRQ:
		return StoreRequest{
			MessageID:      cmd.MessageID,
			SOPClassUID:    cmd.AffectedSOPClassUID,
			SOPInstanceUID: cmd.AffectedSOPInstanceUID,
			TransferSyntax: transferSyntax,
			Priority:       cmd.Priority,
			Dataset:        msg.Dataset,
		}
	default:
		return UnsupportedRequest{
			MessageID:    cmd.MessageID,
			CommandField: cmd.CommandField,
			SOPClassUID:  cmd.AffectedSOPClassUID,
		}
	}
}

// requestCommand builds the outbound command set for req under message id.
func requestCommand(req Request, id uint16) (*Command, []byte) {
	cmd := &Command{
		CommandField:        req.commandField(),
		MessageID:           id,
		AffectedSOPClassUID: req.abstractSyntax(),
		CommandDataSetType:  dataSetAbsent,
	}

	var dataset []byte
	if r, ok := req.(StoreRequest); ok {
		cmd.AffectedSOPInstanceUID = r.SOPInstanceUID
		cmd.Priority = r.Priority
		if len(r.Dataset) > 0 {
			cmd.CommandDataSetType = 0x0000
			dataset = r.Dataset
		}
	}
	return cmd, dataset
}

// responseCommand builds the response to req.
func responseCommand(req Request, status Status, comment string) *Command {
	cmd := &Command{
		CommandField:              req.commandField() | responseBit,
		MessageIDBeingRespondedTo: req.requestID(),
		AffectedSOPClassUID:       req.abstractSyntax(),
		CommandDataSetType:        dataSetAbsent,
		Status:                    status,
		ErrorComment:              comment,
	}
	if r, ok := req.(StoreRequest); ok {
		cmd.AffectedSOPInstanceUID = r.SOPInstanceUID
	}
	return cmd
}
