package fleet

import (
	"github.com/srg/blacktea/internal/bluetooth"
	"github.com/srg/blacktea/internal/console"
)

// BluetoothService returns the Bluetooth monitor for one device,
// creating it on first use. The caller owns Start/Stop; the controller
// keeps the instance so repeated calls share one monitor per serial,
// and Shutdown closes whatever was created.
func (c *Controller) BluetoothService(serial string) (*bluetooth.Service, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}
	if _, err := c.registry.Require(serial); err != nil {
		return nil, err
	}

	c.btMu.Lock()
	defer c.btMu.Unlock()
	if svc, ok := c.btServices[serial]; ok {
		return svc, nil
	}
	svc := bluetooth.NewService(c.runner, serial, c.log, bluetooth.ServiceOptions{})
	c.btServices[serial] = svc

	watch(c, "bt-console-"+serial, svc.Events().Subscribe(32), func(ev bluetooth.Event) {
		if ev.Kind == bluetooth.ErrorOccurred {
			c.logf(console.SourceBluetooth, serial, "%s", ev.Message)
		}
	})
	return svc, nil
}
