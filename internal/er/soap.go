package er

import (
	"encoding/base64"
	"fmt"
)

const (
	urnWFAWLANConfig = "urn:schemas-wifialliance-org:service:WFAWLANConfig:1"

	actionPutWLANResponse      = "PutWLANResponse"
	actionSetSelectedRegistrar = "SetSelectedRegistrar"

	// wlanEventTypeEAP is the NewWLANEventType value for EAP frames.
	wlanEventTypeEAP = 2
)

const (
	soapPrefix = "<?xml version=\"1.0\"?>\n" +
		"<s:Envelope xmlns:s=\"http://schemas.xmlsoap.org/soap/envelope/\" " +
		"s:encodingStyle=\"http://schemas.xmlsoap.org/soap/encoding/\">\n" +
		"<s:Body>\n"
	soapPostfix = "</s:Body>\n</s:Envelope>\n"
)

// soapEnvelope builds the body of a WFAWLANConfig SOAP action. The WSC
// message is base64-wrapped into NewMessage; extra holds any
// action-specific children, already serialized.
func soapEnvelope(action string, msg []byte, extra string) []byte {
	encoded := base64.StdEncoding.EncodeToString(msg)

	body := soapPrefix +
		fmt.Sprintf("<u:%s xmlns:u=\"%s\">\n", action, urnWFAWLANConfig) +
		fmt.Sprintf("<NewMessage>%s</NewMessage>\n", encoded) +
		extra +
		fmt.Sprintf("</u:%s>\n", action) +
		soapPostfix

	return []byte(body)
}

// putWLANResponseExtra builds the PutWLANResponse-specific children.
func putWLANResponseExtra(mac string) string {
	return fmt.Sprintf("<NewWLANEventType>%d</NewWLANEventType>\n", wlanEventTypeEAP) +
		fmt.Sprintf("<NewWLANEventMAC>%s</NewWLANEventMAC>\n", mac)
}
