package socks5

import (
	"net"

	"github.com/pkg/errors"
	txsocks5 "github.com/txthinking/socks5"
)

// Auth configures optional username/password authentication for SOCKS5
// negotiation.
type Auth struct {
	Username string
	Password string
}

// ClientDial negotiates with the SOCKS5 server on conn and asks it to
// connect to address.
func ClientDial(conn net.Conn, auth Auth, address string) error {
	if err := ClientNegotiate(conn, auth); err != nil {
		return err
	}
	return ClientConnect(conn, address)
}

func ClientNegotiate(conn net.Conn, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return errors.Wrap(err, "write negotiation")
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return errors.Wrap(err, "read negotiation")
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return errors.New("server requires username/password")
		}

		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(conn); err != nil {
			return errors.Wrap(err, "write userpass")
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return errors.Wrap(err, "read userpass")
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return errors.New("auth failed")
		}
		return nil
	default:
		return errors.Errorf("unsupported negotiation method: %d", neg.Method)
	}
}

func ClientConnect(conn net.Conn, address string) error {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return errors.Wrap(err, "parse address")
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return errors.Wrap(err, "write request")
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return errors.Wrap(err, "read reply")
	}
	if rep.Rep != txsocks5.RepSuccess {
		return errors.Errorf("connect failed: reply %d", rep.Rep)
	}
	return nil
}
