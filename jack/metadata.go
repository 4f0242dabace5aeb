package jack

import (
	"encoding/binary"
	"fmt"

	"gojack/internal/metadata"
	"gojack/internal/protocol"
	"gojack/internal/shm"
)

// PropertyChangeKind tags property change callbacks.
type PropertyChangeKind = protocol.PropertyChangeKind

// Property change kinds, re-exported for property callbacks.
const (
	PropertyCreated = protocol.PropertyCreated
	PropertyChanged = protocol.PropertyChanged
	PropertyDeleted = protocol.PropertyDeleted
)

// Property is one metadata entry.
type Property = metadata.Property

// store lazily opens the shared property database in the server directory.
func (c *Client) store() (*metadata.Store, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	if c.meta != nil {
		return c.meta, nil
	}
	s, err := metadata.Open(shm.ServerDir(c.serverName))
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	c.meta = s
	return s, nil
}

// notifyProperty broadcasts a change to every property-callback client.
func (c *Client) notifyProperty(change protocol.PropertyChangeKind, subject, key string) {
	var req protocol.PropertyChangeNotifyRequest
	req.ClientID = c.id
	req.Change = change
	req.Subject.Set(subject)
	req.Key.Set(key)
	c.request(protocol.ReqPropertyChangeNotify, &req, nil) //nolint:errcheck // notification only
}

// SetProperty stores one property on a subject UUID.
func (c *Client) SetProperty(subject, key, value, typ string) error {
	s, err := c.store()
	if err != nil {
		return err
	}
	created, err := s.Set(subject, key, value, typ)
	if err != nil {
		return err
	}
	change := protocol.PropertyChanged
	if created {
		change = protocol.PropertyCreated
	}
	c.notifyProperty(change, subject, key)
	return nil
}

// GetProperty reads one property.
func (c *Client) GetProperty(subject, key string) (value, typ string, err error) {
	s, err := c.store()
	if err != nil {
		return "", "", err
	}
	return s.Get(subject, key)
}

// GetProperties reads every property of one subject.
func (c *Client) GetProperties(subject string) ([]Property, error) {
	s, err := c.store()
	if err != nil {
		return nil, err
	}
	return s.GetSubject(subject)
}

// GetAllProperties reads the whole store.
func (c *Client) GetAllProperties() ([]Property, error) {
	s, err := c.store()
	if err != nil {
		return nil, err
	}
	return s.GetAll()
}

// RemoveProperty deletes one property.
func (c *Client) RemoveProperty(subject, key string) error {
	s, err := c.store()
	if err != nil {
		return err
	}
	if err := s.Remove(subject, key); err != nil {
		return err
	}
	c.notifyProperty(protocol.PropertyDeleted, subject, key)
	return nil
}

// RemoveProperties deletes every property of one subject and returns how
// many were removed.
func (c *Client) RemoveProperties(subject string) (int, error) {
	s, err := c.store()
	if err != nil {
		return 0, err
	}
	n, err := s.RemoveSubject(subject)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.notifyProperty(protocol.PropertyDeleted, subject, "")
	}
	return int(n), nil
}

// RemoveAllProperties empties the store.
func (c *Client) RemoveAllProperties() error {
	s, err := c.store()
	if err != nil {
		return err
	}
	if err := s.RemoveAll(); err != nil {
		return err
	}
	c.notifyProperty(protocol.PropertyDeleted, "", "")
	return nil
}

// ReserveName pins a client name to a session UUID ahead of a future open.
func (c *Client) ReserveName(name, sessionUUID string) error {
	var req protocol.ReserveNameRequest
	req.Name.Set(name)
	req.UUID.Set(sessionUUID)
	_, err := c.request(protocol.ReqReserveName, &req, nil)
	return err
}

// GetClientNameByUUID resolves a client name from its textual UUID.
func (c *Client) GetClientNameByUUID(u string) (string, error) {
	var req protocol.UUIDRequest
	req.UUID.Set(u)
	var rep protocol.NameReply
	if _, err := c.request(protocol.ReqGetClientByUUID, &req, &rep); err != nil {
		return "", err
	}
	return rep.Name.String(), nil
}

// GetUUIDByClientName resolves a client's textual UUID from its name.
func (c *Client) GetUUIDByClientName(name string) (string, error) {
	var req protocol.NameRequest
	req.Name.Set(name)
	var rep protocol.UUIDReply
	if _, err := c.request(protocol.ReqGetUUIDByClientName, &req, &rep); err != nil {
		return "", err
	}
	return rep.UUID.String(), nil
}

// SessionReplyInfo is one collected answer to a session notify.
type SessionReplyInfo struct {
	ClientName  string
	UUID        string
	CommandLine string
	Flags       uint32
}

// SessionNotify fans a save-session event to target (or all session-aware
// clients when target is empty) and returns their replies.
func (c *Client) SessionNotify(target string, eventType uint32, path string) ([]SessionReplyInfo, error) {
	var req protocol.SessionNotifyRequest
	req.ClientID = c.id
	req.EventType = eventType
	req.Target.Set(target)
	req.Path.Set(path)

	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.reqConn == nil {
		return nil, fmt.Errorf("client closed")
	}
	if err := protocol.WriteRequest(c.reqConn, protocol.ReqSessionNotify, &req); err != nil {
		return nil, err
	}
	var rep protocol.PortConnectionsReply
	hdr, err := protocol.ReadReply(c.reqConn, &rep)
	if err != nil {
		return nil, err
	}
	if hdr.Status&protocol.StatusFailure != 0 {
		return nil, statusError(protocol.ReqSessionNotify, hdr)
	}
	out := make([]SessionReplyInfo, 0, rep.Count)
	for i := uint32(0); i < rep.Count; i++ {
		var rec protocol.SessionReplyRecord
		if err := binary.Read(c.reqConn, binary.LittleEndian, &rec); err != nil {
			return nil, err
		}
		out = append(out, SessionReplyInfo{
			ClientName:  rec.Name.String(),
			UUID:        rec.UUID.String(),
			CommandLine: rec.CommandLine.String(),
			Flags:       rec.Flags,
		})
	}
	return out, nil
}

// SessionReply posts this client's answer to a pending save-session event.
// Call from inside the session callback; it uses the event connection.
func (c *Client) SessionReply(commandLine string, flags uint32) error {
	var req protocol.SessionReplyRequest
	req.ClientID = c.id
	req.CommandLine.Set(commandLine)
	req.Flags = flags
	_, err := c.eventRequest(protocol.ReqSessionReply, &req, nil)
	return err
}

// HasSessionCallback asks whether a named client registered a session
// callback.
func (c *Client) HasSessionCallback(clientName string) (bool, error) {
	var req protocol.NameRequest
	req.Name.Set(clientName)
	hdr, err := c.request(protocol.ReqSessionHasCallback, &req, nil)
	if err != nil {
		if hdr.Status&protocol.StatusNoSuchClient != 0 {
			return false, err
		}
		if hdr.Status == protocol.StatusFailure {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// InternalClientLoad loads a registered internal client into the engine.
func (c *Client) InternalClientLoad(name, loadName, loadInit string, opts Options) (uint32, error) {
	var req protocol.IntClientLoadRequest
	req.Options = opts
	req.Name.Set(name)
	req.LoadName.Set(loadName)
	req.LoadInit.Set(loadInit)
	var rep protocol.IntClientReply
	if _, err := c.request(protocol.ReqIntClientLoad, &req, &rep); err != nil {
		return 0, err
	}
	return rep.ClientID, nil
}

// InternalClientUnload removes a loaded internal client by name.
func (c *Client) InternalClientUnload(name string) error {
	var req protocol.NameRequest
	req.Name.Set(name)
	_, err := c.request(protocol.ReqIntClientUnload, &req, nil)
	return err
}

// InternalClientHandle resolves a loaded internal client's id.
func (c *Client) InternalClientHandle(name string) (uint32, error) {
	var req protocol.NameRequest
	req.Name.Set(name)
	var rep protocol.IntClientReply
	if _, err := c.request(protocol.ReqIntClientHandle, &req, &rep); err != nil {
		return 0, err
	}
	return rep.ClientID, nil
}
